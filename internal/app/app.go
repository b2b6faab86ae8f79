// Package app wires configuration, storage, the key-management core
// and the HTTP server together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Coldaine/coldProxy/pkg/api"
	"github.com/Coldaine/coldProxy/pkg/auth"
	"github.com/Coldaine/coldProxy/pkg/config"
	"github.com/Coldaine/coldProxy/pkg/ingest"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/retention"
	"github.com/Coldaine/coldProxy/pkg/session"
	"github.com/Coldaine/coldProxy/pkg/setup"
	"github.com/Coldaine/coldProxy/pkg/shutdown"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
	"github.com/Coldaine/coldProxy/pkg/unlock"
	"github.com/Coldaine/coldProxy/pkg/vault"
)

// App owns the assembled core. Everything is instantiated here and
// passed down explicitly.
type App struct {
	cfg     *config.Config
	store   *store.Store
	unlock  *unlock.Service
	setup   *setup.Service
	vault   *vault.Encryptor
	queue   *ingest.Queue
	metrics *telemetry.Metrics

	killSwitch atomic.Bool
	stopQueue  chan struct{}
	workerWG   sync.WaitGroup
}

// New assembles the application from configuration.
func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	metrics := telemetry.New(prometheus.NewRegistry())
	ul, err := unlock.New(st, unlock.WebAuthnConfig{
		RPID:          cfg.Security.WebAuthn.RPID,
		RPOrigin:      cfg.Security.WebAuthn.RPOrigin,
		RPDisplayName: cfg.Security.WebAuthn.RPDisplayName,
	}, metrics)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init unlock service: %w", err)
	}

	a := &App{
		cfg:       cfg,
		store:     st,
		unlock:    ul,
		setup:     setup.New(st, ul),
		vault:     vault.New(st, ul, cfg.Capture.ChunkSize.Int(), metrics),
		queue:     ingest.NewQueue(cfg.Capture.Queue.Capacity, metrics),
		metrics:   metrics,
		stopQueue: make(chan struct{}),
	}
	a.killSwitch.Store(cfg.Security.KillSwitch)
	return a, nil
}

// Capture hands a plaintext interaction to the async write queue.
// Returns false when the queue is full and the capture was dropped.
func (a *App) Capture(c vault.Capture) bool {
	return a.queue.TryEnqueue(ingest.Job{
		UserID:             c.UserID,
		Model:              c.Model,
		Tokens:             c.Tokens,
		CostUSD:            c.CostUSD,
		RequestFingerprint: c.RequestFingerprint,
		Payload:            c.Plaintext,
		Truncated:          c.Truncated,
	})
}

// Queue exposes the capture queue for the proxy layer.
func (a *App) Queue() *ingest.Queue { return a.queue }

// Run starts the capture worker, the retention scheduler and the HTTP
// server, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Security.AuditDir != "" {
		if err := logger.AttachAuditFileSink(a.cfg.Security.AuditDir); err != nil {
			logger.Warn("audit_sink_unavailable", "error", err)
		}
	}

	a.workerWG.Add(1)
	go func() {
		defer a.workerWG.Done()
		a.queue.RunWorker(a.stopQueue, func(job *ingest.Job) error {
			_, err := a.vault.EncryptInteraction(context.Background(), vault.Capture{
				UserID:             job.UserID,
				Model:              job.Model,
				Tokens:             job.Tokens,
				CostUSD:            job.CostUSD,
				RequestFingerprint: job.RequestFingerprint,
				Plaintext:          job.Payload,
				Truncated:          job.Truncated,
			})
			return err
		})
	}()

	stopRetention, err := retention.Start(ctx, a.store, a.cfg.Retention, a.metrics)
	if err != nil {
		return fmt.Errorf("start retention: %w", err)
	}
	defer stopRetention()

	deps := &api.Deps{
		Sessions:      session.NewStore(0),
		Unlock:        a.unlock,
		Setup:         a.setup,
		Vault:         a.vault,
		Store:         a.store,
		Metrics:       a.metrics,
		UnlockLimiter: auth.NewLimiterPool(a.cfg.Security.RateLimit.UnlockPerMinute),
		ExportLimiter: auth.NewLimiterPool(a.cfg.Security.RateLimit.ExportPerMinute),
		KillSwitch:    &a.killSwitch,
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Address, a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", addr)
		if a.cfg.Server.TLS.CertFile != "" && a.cfg.Server.TLS.KeyFile != "" {
			errc <- srv.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	a.Close()
	return nil
}

// Close flushes the capture queue, zeroizes cached keys and closes the
// store.
func (a *App) Close() {
	close(a.stopQueue)
	a.workerWG.Wait()
	a.unlock.Shutdown()
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete", "queue_dropped", a.queue.Dropped())
}

// Abort is a convenience for fatal startup errors.
func Abort(msg string, err error, cfg *config.Config) {
	dbPath := ""
	if cfg != nil {
		dbPath = cfg.Server.DBPath
	}
	shutdown.Abort(msg, err, dbPath)
}
