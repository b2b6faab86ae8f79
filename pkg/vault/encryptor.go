// Package vault is the interaction encryptor: it chunks captured
// plaintext bodies, seals each chunk under a per-interaction key
// derived from the user's DEK, and persists header and blob rows
// atomically.
package vault

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
	"github.com/Coldaine/coldProxy/pkg/unlock"
)

// DefaultChunkSize is the fixed chunk size for sealed bodies. It is
// recorded on every header so the value can change between releases
// without breaking old rows.
const DefaultChunkSize = 64 * 1024

var (
	// ErrLocked is returned when no master key is cached for the user.
	ErrLocked = errors.New("vault: user locked")
	// ErrTampered is returned when a stored interaction fails
	// authentication: a tag mismatch, missing chunks or a header that
	// disagrees with the blob rows.
	ErrTampered = errors.New("vault: interaction tampered")
	// ErrNotFound is returned for unknown interactions and for owner
	// mismatches, indistinguishably.
	ErrNotFound = errors.New("vault: interaction not found")
)

// Capture is one plaintext interaction handed over by the proxy layer.
type Capture struct {
	UserID             string
	Model              string
	Tokens             int64
	CostUSD            float64
	RequestFingerprint string
	Plaintext          []byte
	Truncated          bool
}

// Encryptor seals captures and opens stored interactions.
type Encryptor struct {
	store     *store.Store
	unlock    *unlock.Service
	chunkSize int
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// New builds an encryptor. A non-positive chunkSize selects the
// default.
func New(st *store.Store, ul *unlock.Service, chunkSize int, metrics *telemetry.Metrics) *Encryptor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Encryptor{store: st, unlock: ul, chunkSize: chunkSize, metrics: metrics, now: time.Now}
}

// aadFor binds a chunk to its user, interaction, position and key
// version so blobs cannot be reordered or replayed across rows.
func aadFor(userID, interactionID string, chunkIndex uint32, keyVersion int) []byte {
	aad := make([]byte, 0, len(userID)+len(interactionID)+8)
	aad = append(aad, userID...)
	aad = append(aad, interactionID...)
	aad = binary.BigEndian.AppendUint32(aad, chunkIndex)
	aad = binary.BigEndian.AppendUint32(aad, uint32(keyVersion))
	return aad
}

// EncryptInteraction seals a capture and commits the header plus all
// cipher blobs in one transaction. Returns the persisted header.
func (e *Encryptor) EncryptInteraction(ctx context.Context, c Capture) (*models.InteractionHeader, error) {
	dek, keyVersion, ok := e.unlock.DecryptedDEK(c.UserID)
	if !ok {
		return nil, ErrLocked
	}
	defer security.Zeroize(dek)

	keyNonce, err := security.RandomBytes(security.NonceSize)
	if err != nil {
		return nil, err
	}
	ik, err := keys.DeriveInteractionKey(dek, keyNonce)
	if err != nil {
		return nil, err
	}
	defer security.Zeroize(ik)

	id := uuid.NewString()
	header := models.InteractionHeader{
		ID:                 id,
		UserID:             c.UserID,
		CreatedAt:          e.now().UTC(),
		Model:              c.Model,
		Tokens:             c.Tokens,
		CostUSD:            c.CostUSD,
		CipherKeyVersion:   keyVersion,
		RequestFingerprint: c.RequestFingerprint,
		KeyNonce:           hex.EncodeToString(keyNonce),
		ChunkSize:          e.chunkSize,
		ByteCount:          int64(len(c.Plaintext)),
		Truncated:          c.Truncated,
	}

	txn := e.store.Begin()
	pt := c.Plaintext
	var chunkIndex uint32
	for off := 0; ; off += e.chunkSize {
		if err := ctx.Err(); err != nil {
			txn.Rollback()
			return nil, err
		}
		end := off + e.chunkSize
		if end > len(pt) {
			end = len(pt)
		}
		nonce, err := security.RandomBytes(security.NonceSize)
		if err != nil {
			txn.Rollback()
			return nil, err
		}
		ct, err := security.AEADSeal(pt[off:end], nonce, ik, aadFor(c.UserID, id, chunkIndex, keyVersion))
		if err != nil {
			txn.Rollback()
			return nil, err
		}
		if err := txn.InsertBlob(models.CipherBlob{
			ID:            fmt.Sprintf("%s-%d", id, chunkIndex),
			InteractionID: id,
			ChunkIndex:    chunkIndex,
			Nonce:         hex.EncodeToString(nonce),
			Ciphertext:    ct,
		}); err != nil {
			txn.Rollback()
			return nil, err
		}
		chunkIndex++
		if end >= len(pt) {
			break
		}
	}
	header.ChunkCount = int(chunkIndex)

	if err := txn.InsertHeader(header); err != nil {
		txn.Rollback()
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.CapturesSealed.Inc()
		e.metrics.BytesSealed.Add(float64(header.ByteCount))
	}
	logger.Debug("interaction_sealed", "id", id, "chunks", header.ChunkCount, "bytes", header.ByteCount)
	return &header, nil
}

// ReadInteraction decrypts a stored interaction for its owner. An
// owner mismatch reads as not-found; any authentication failure reads
// as tampering.
func (e *Encryptor) ReadInteraction(ctx context.Context, interactionID, userID string) ([]byte, error) {
	header, err := e.store.FindHeader(interactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if header.UserID != userID {
		return nil, ErrNotFound
	}

	dek, _, ok := e.unlock.DecryptedDEK(userID)
	if !ok {
		return nil, ErrLocked
	}
	defer security.Zeroize(dek)

	keyNonce, err := hex.DecodeString(header.KeyNonce)
	if err != nil {
		return nil, ErrTampered
	}
	ik, err := keys.DeriveInteractionKey(dek, keyNonce)
	if err != nil {
		return nil, err
	}
	defer security.Zeroize(ik)

	blobs, err := e.store.ListBlobs(interactionID)
	if err != nil {
		return nil, err
	}
	if len(blobs) != header.ChunkCount {
		return nil, ErrTampered
	}

	out := make([]byte, 0, header.ByteCount)
	for i, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if blob.ChunkIndex != uint32(i) {
			return nil, ErrTampered
		}
		nonce, err := hex.DecodeString(blob.Nonce)
		if err != nil {
			return nil, ErrTampered
		}
		pt, err := security.AEADOpen(blob.Ciphertext, nonce, ik,
			aadFor(header.UserID, interactionID, blob.ChunkIndex, header.CipherKeyVersion))
		if err != nil {
			return nil, ErrTampered
		}
		out = append(out, pt...)
	}
	if int64(len(out)) != header.ByteCount {
		return nil, ErrTampered
	}
	return out, nil
}
