package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

type pebbleEntry struct {
	Record
	Attempts  int       `json:"attempts,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PebbleOptions configures the embedded store.
type PebbleOptions struct {
	// DataDir is the pebble database directory.
	DataDir string
	// Sync forces a WAL fsync on every write.
	Sync bool
	// PebbleOptions allows advanced tuning. Defaults are used when nil.
	PebbleOptions *pebble.Options
}

// PebbleStore persists markers on local disk for single-node deployments.
// Expired entries are dropped lazily on read and in bulk by Purge.
type PebbleStore struct {
	db   *pebble.DB
	mu   sync.Mutex
	sync *pebble.WriteOptions
	now  func() time.Time
}

func OpenPebble(opts PebbleOptions) (*PebbleStore, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	mode := pebble.NoSync
	if opts.Sync {
		mode = pebble.Sync
	}
	return &PebbleStore{db: db, sync: mode, now: time.Now}, nil
}

func (s *PebbleStore) load(key string) (pebbleEntry, bool, error) {
	var entry pebbleEntry
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, false, err
	}
	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		return entry, false, nil
	}
	return entry, true, nil
}

func (s *PebbleStore) store(key string, entry pebbleEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), body, s.sync)
}

func (s *PebbleStore) IsProcessed(_ context.Context, key string) (bool, error) {
	entry, ok, err := s.load(key)
	if err != nil || !ok {
		return false, err
	}
	return entry.Processed, nil
}

func (s *PebbleStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	now := s.now().UTC()
	return s.store(key, pebbleEntry{
		Record:    Record{Processed: true, Timestamp: now},
		ExpiresAt: now.Add(normalizeTTL(ttl)),
	})
}

func (s *PebbleStore) IncrementAttempts(_ context.Context, key string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok, err := s.load(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		entry = pebbleEntry{}
	}
	now := s.now().UTC()
	entry.Attempts++
	entry.Timestamp = now
	entry.ExpiresAt = now.Add(normalizeTTL(ttl))
	if err := s.store(key, entry); err != nil {
		return 0, err
	}
	return entry.Attempts, nil
}

func (s *PebbleStore) Attempts(_ context.Context, key string) (int, error) {
	entry, ok, err := s.load(key)
	if err != nil || !ok {
		return 0, err
	}
	return entry.Attempts, nil
}

func (s *PebbleStore) ResetAttempts(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(key), s.sync)
}

// Purge deletes every expired entry in one batch.
func (s *PebbleStore) Purge(ctx context.Context) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Close()
	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var entry pebbleEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		if entry.ExpiresAt.IsZero() || now.Before(entry.ExpiresAt) {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, err
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(s.sync); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
