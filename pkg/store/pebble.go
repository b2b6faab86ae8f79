// Package store is the persistence adapter over pebble. It owns the
// row layouts for wrapped-key records, interaction headers and cipher
// blobs, and provides the atomic batch commit the encryptor and key
// rotation require.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when creating a row whose id exists.
	ErrConflict = errors.New("store: id already exists")
)

// Key namespaces. Keys sort lexicographically, so fixed-width encodings
// below keep prefix scans in the right order.
const (
	keyPrefix    = "key:"     // key:<id> -> WrappedKey JSON
	typePrefix   = "keytype:" // keytype:<type>:<id> -> ""
	headerPrefix = "header:"  // header:<id> -> InteractionHeader JSON
	blobPrefix   = "blob:"    // blob:<interaction>:<%08d chunk> -> CipherBlob JSON
	userPrefix   = "user:"    // user:<uid>:<%020d created>-<id> -> id
	timePrefix   = "bytime:"  // bytime:<%020d created>:<id> -> id
)

// Store wraps an opened pebble database. It is instantiated and passed
// explicitly; there is no package-global handle.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a pebble database at path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed")
	return err
}

// CreateKey inserts a wrapped-key record. Fails with ErrConflict when
// the id already exists.
func (s *Store) CreateKey(rec models.WrappedKey) error {
	if _, err := s.GetKey(rec.ID); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := batchPutKey(b, rec); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// GetKey loads a wrapped-key record by id.
func (s *Store) GetKey(id string) (models.WrappedKey, error) {
	var rec models.WrappedKey
	v, closer, err := s.db.Get([]byte(keyPrefix + id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, fmt.Errorf("corrupt key record %s: %w", id, err)
	}
	return rec, nil
}

// ListKeysByType returns all wrapped-key records of one type. Order is
// unspecified.
func (s *Store) ListKeysByType(typ string) ([]models.WrappedKey, error) {
	prefix := []byte(typePrefix + typ + ":")
	iter, err := s.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.WrappedKey
	for iter.First(); iter.Valid(); iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), typePrefix+typ+":")
		rec, err := s.GetKey(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateKey replaces blob, nonce and (when non-nil) meta of an existing
// record. Fails with ErrNotFound when the id is missing.
func (s *Store) UpdateKey(id string, blob []byte, nonce string, meta json.RawMessage) error {
	rec, err := s.GetKey(id)
	if err != nil {
		return err
	}
	rec.Blob = blob
	rec.Nonce = nonce
	if meta != nil {
		rec.Meta = meta
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := batchPutKey(b, rec); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// DeleteKey removes a wrapped-key record. Deleting a missing id is not
// an error.
func (s *Store) DeleteKey(id string) error {
	rec, err := s.GetKey(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete([]byte(keyPrefix+id), nil)
	_ = b.Delete([]byte(typePrefix+rec.Type+":"+id), nil)
	return b.Commit(pebble.Sync)
}

// HasMasterKey reports whether any master_key_* wrapper exists.
func (s *Store) HasMasterKey() (bool, error) {
	for _, typ := range []string{models.KeyTypeMasterPIN, models.KeyTypeMasterFIDO} {
		recs, err := s.ListKeysByType(typ)
		if err != nil {
			return false, err
		}
		if len(recs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func batchPutKey(b *pebble.Batch, rec models.WrappedKey) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.Set([]byte(keyPrefix+rec.ID), v, nil); err != nil {
		return err
	}
	return b.Set([]byte(typePrefix+rec.Type+":"+rec.ID), nil, nil)
}

func prefixIterOptions(prefix []byte) *pebble.IterOptions {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			break
		}
	}
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}
