package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/Coldaine/coldProxy/pkg/models"
)

func headerKey(id string) []byte { return []byte(headerPrefix + id) }

func blobKey(interactionID string, idx uint32) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", blobPrefix, interactionID, idx))
}

func userKey(uid string, created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d-%s", userPrefix, uid, created.UTC().UnixNano(), id))
}

func timeKey(created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", timePrefix, created.UTC().UnixNano(), id))
}

// Txn is a write batch applied atomically at Commit. Either every
// mutation lands or none do.
type Txn struct {
	s *Store
	b *pebble.Batch
}

// Begin starts a write batch.
func (s *Store) Begin() *Txn {
	return &Txn{s: s, b: s.db.NewBatch()}
}

// InsertHeader stages one interaction header row plus its per-user and
// time-ordered index entries.
func (t *Txn) InsertHeader(h models.InteractionHeader) error {
	v, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := t.b.Set(headerKey(h.ID), v, nil); err != nil {
		return err
	}
	if err := t.b.Set(userKey(h.UserID, h.CreatedAt, h.ID), []byte(h.ID), nil); err != nil {
		return err
	}
	return t.b.Set(timeKey(h.CreatedAt, h.ID), []byte(h.ID), nil)
}

// InsertBlob stages one cipher-blob row.
func (t *Txn) InsertBlob(blob models.CipherBlob) error {
	v, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return t.b.Set(blobKey(blob.InteractionID, blob.ChunkIndex), v, nil)
}

// PutKey stages a wrapped-key upsert so key-store mutations can ride
// the same atomic batch (MK rotation rewraps many rows at once).
func (t *Txn) PutKey(rec models.WrappedKey) error {
	return batchPutKey(t.b, rec)
}

// DeleteKey stages removal of a wrapped-key row.
func (t *Txn) DeleteKey(id, typ string) {
	_ = t.b.Delete([]byte(keyPrefix+id), nil)
	_ = t.b.Delete([]byte(typePrefix+typ+":"+id), nil)
}

// Commit applies the batch durably.
func (t *Txn) Commit() error {
	defer t.b.Close()
	return t.b.Commit(pebble.Sync)
}

// Rollback discards the batch.
func (t *Txn) Rollback() {
	_ = t.b.Close()
}

// FindHeader loads an interaction header by id.
func (s *Store) FindHeader(id string) (models.InteractionHeader, error) {
	var h models.InteractionHeader
	v, closer, err := s.db.Get(headerKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return h, ErrNotFound
		}
		return h, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &h); err != nil {
		return h, fmt.Errorf("corrupt header %s: %w", id, err)
	}
	return h, nil
}

// ListBlobs returns an interaction's cipher blobs ordered by ascending
// chunk index.
func (s *Store) ListBlobs(interactionID string) ([]models.CipherBlob, error) {
	prefix := []byte(blobPrefix + interactionID + ":")
	iter, err := s.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.CipherBlob
	for iter.First(); iter.Valid(); iter.Next() {
		var blob models.CipherBlob
		if err := json.Unmarshal(iter.Value(), &blob); err != nil {
			return nil, fmt.Errorf("corrupt blob row %s: %w", iter.Key(), err)
		}
		out = append(out, blob)
	}
	return out, nil
}

// ListUserInteractions returns header rows for one user in insertion
// order.
func (s *Store) ListUserInteractions(uid string) ([]models.InteractionHeader, error) {
	prefix := []byte(userPrefix + uid + ":")
	iter, err := s.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.InteractionHeader
	for iter.First(); iter.Valid(); iter.Next() {
		h, err := s.FindHeader(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// ListInteractionsBefore returns up to limit interaction ids created
// before the cutoff, oldest first. Used by the retention sweeper.
func (s *Store) ListInteractionsBefore(cutoff time.Time, limit int) ([]string, error) {
	prefix := []byte(timePrefix)
	upper := []byte(fmt.Sprintf("%s%020d", timePrefix, cutoff.UTC().UnixNano()))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		out = append(out, string(iter.Value()))
	}
	return out, nil
}

// DeleteInteraction removes the header, every cipher blob and the index
// entries of one interaction in a single batch.
func (s *Store) DeleteInteraction(id string) error {
	h, err := s.FindHeader(id)
	if err != nil {
		return err
	}
	blobs, err := s.ListBlobs(id)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(headerKey(id), nil)
	_ = b.Delete(userKey(h.UserID, h.CreatedAt, id), nil)
	_ = b.Delete(timeKey(h.CreatedAt, id), nil)
	for _, blob := range blobs {
		_ = b.Delete(blobKey(id, blob.ChunkIndex), nil)
	}
	return b.Commit(pebble.Sync)
}

// DeleteUserKeys removes every wrapped-key row belonging to uid in one
// batch. Used on user deletion.
func (s *Store) DeleteUserKeys(uid string) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, typ := range []string{
		models.KeyTypeDEK, models.KeyTypeMasterPIN, models.KeyTypeMasterFIDO,
		models.KeyTypeFIDOCredential, models.KeyTypeRecovery,
	} {
		recs, err := s.ListKeysByType(typ)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !ownedBy(rec.ID, uid) {
				continue
			}
			_ = b.Delete([]byte(keyPrefix+rec.ID), nil)
			_ = b.Delete([]byte(typePrefix+rec.Type+":"+rec.ID), nil)
		}
	}
	return b.Commit(pebble.Sync)
}

// ownedBy matches a key-record id against the id conventions for one
// user without crossing users whose ids share a prefix.
func ownedBy(recID, uid string) bool {
	if strings.HasSuffix(recID, "_"+uid) {
		return true
	}
	return strings.HasPrefix(recID, "fido2_"+uid+"_")
}
