package main

import (
	"context"
	"flag"
	"os"

	"github.com/joho/godotenv"

	"github.com/Coldaine/coldProxy/internal/app"
	"github.com/Coldaine/coldProxy/pkg/config"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/shutdown"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("COLDPROXY_CONFIG"), "path to yaml config")
	flag.Parse()

	// .env is optional; environment always wins over the file.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Init()
		app.Abort("config_load_failed", err, nil)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	a, err := app.New(cfg)
	if err != nil {
		app.Abort("startup_failed", err, cfg)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		app.Abort("server_failed", err, cfg)
	}
}
