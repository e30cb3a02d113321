package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	outboxBucket      = "outbox"
	credentialsBucket = "credentials"
	expiryValueBytes  = 8
)

// boltStore implements a Store backed by BoltDB.
type boltStore struct {
	db              *bolt.DB
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	pendingTTL      time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{outboxBucket, credentialsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	store := &boltStore{
		db:              db,
		pendingTTL:      opts.PendingTTL,
		cleanupInterval: opts.CleanupInterval,
		now:             time.Now,
	}
	store.lastCleanup.Store(store.now().Unix())
	return store, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// PutPending inserts or replaces an outbox entry and refreshes its expiry.
func (b *boltStore) PutPending(p Pending) error {
	if p.Key == "" {
		return fmt.Errorf("pending entry has no key")
	}
	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return err
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	value := make([]byte, expiryValueBytes+len(payload))
	binary.BigEndian.PutUint64(value, uint64(now.Add(b.pendingTTL).Unix()))
	copy(value[expiryValueBytes:], payload)

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(outboxBucket))
		if bucket == nil {
			return fmt.Errorf("outbox bucket missing")
		}
		return bucket.Put([]byte(p.Key), value)
	})
}

// DuePending returns live entries in key order, dropping expired ones on the way.
func (b *boltStore) DuePending(limit int) ([]Pending, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return nil, err
	}

	var out []Pending
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(outboxBucket))
		if bucket == nil {
			return fmt.Errorf("outbox bucket missing")
		}

		var stale [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil && len(out) < limit; k, v = cursor.Next() {
			expiry, ok := decodeExpiry(v)
			if !ok || !expiry.After(now) {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			var p Pending
			if err := json.Unmarshal(v[expiryValueBytes:], &p); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			out = append(out, p)
		}
		return deleteKeys(bucket, stale)
	})
	return out, err
}

// DeletePending removes an outbox entry.
func (b *boltStore) DeletePending(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(outboxBucket))
		if bucket == nil {
			return fmt.Errorf("outbox bucket missing")
		}
		return bucket.Delete([]byte(key))
	})
}

// GetCredential reads a credential. Absence is not an error.
func (b *boltStore) GetCredential(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return fmt.Errorf("credentials bucket missing")
		}
		if v := bucket.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	return value, found, err
}

// SetCredential stores a credential.
func (b *boltStore) SetCredential(key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return fmt.Errorf("credentials bucket missing")
		}
		return bucket.Put([]byte(key), []byte(value))
	})
}

// DeleteCredential removes a credential.
func (b *boltStore) DeleteCredential(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket == nil {
			return fmt.Errorf("credentials bucket missing")
		}
		return bucket.Delete([]byte(key))
	})
}

// maybeCleanupExpired removes expired outbox entries on a fixed cadence to avoid unbounded growth.
func (b *boltStore) maybeCleanupExpired(now time.Time) error {
	if b == nil || b.db == nil {
		return nil
	}

	last := time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()

	last = time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(outboxBucket))
		if bucket == nil {
			return fmt.Errorf("outbox bucket missing")
		}

		var stale [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			expiry, ok := decodeExpiry(v)
			if !ok || !expiry.After(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		return deleteKeys(bucket, stale)
	})
	if err == nil {
		b.lastCleanup.Store(now.Unix())
	}
	return err
}

// deleteKeys removes keys collected during a cursor walk. Deleting through
// the cursor mid-iteration can skip the following key.
func deleteKeys(bucket *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// decodeExpiry decodes the expiry prefix of a stored value.
func decodeExpiry(value []byte) (time.Time, bool) {
	if len(value) < expiryValueBytes {
		return time.Time{}, false
	}
	unix := int64(binary.BigEndian.Uint64(value[:expiryValueBytes]))
	if unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
