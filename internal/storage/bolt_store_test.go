package storage

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
)

func pending(key string, at time.Time) Pending {
	return Pending{
		Key:        key,
		Turn:       domain.CapturedTurn{SourceID: key, Source: domain.SourceChatGPT, Prompt: "p", Response: "r"},
		EnqueuedAt: at,
	}
}

func TestBoltStoreOutboxOrderAndDelete(t *testing.T) {
	dir := t.TempDir()
	storeRaw, err := openBolt(filepath.Join(dir, "capturer.db"), normalizeOptions(Options{}))
	if err != nil {
		t.Fatalf("openBolt: %v", err)
	}
	store := storeRaw.(*boltStore)
	defer store.Close()

	base := time.Now()
	second := PendingKey(base.Add(time.Second), "b")
	first := PendingKey(base, "a")
	for _, k := range []string{second, first} {
		if err := store.PutPending(pending(k, base)); err != nil {
			t.Fatalf("PutPending: %v", err)
		}
	}

	due, err := store.DuePending(10)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 2 || due[0].Key != first || due[1].Key != second {
		t.Fatalf("unexpected order %#v", due)
	}
	if due[0].Turn.Prompt != "p" {
		t.Fatalf("turn not round-tripped: %#v", due[0].Turn)
	}

	if err := store.DeletePending(first); err != nil {
		t.Fatalf("DeletePending: %v", err)
	}
	due, _ = store.DuePending(10)
	if len(due) != 1 || due[0].Key != second {
		t.Fatalf("expected only second entry, got %#v", due)
	}
}

func TestBoltStoreExpiresPending(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		PendingTTL:      1 * time.Second,
		CleanupInterval: 1 * time.Second,
	}
	storeRaw, err := openBolt(filepath.Join(dir, "capturer.db"), opts)
	if err != nil {
		t.Fatalf("openBolt: %v", err)
	}
	store := storeRaw.(*boltStore)
	defer store.Close()

	if err := store.PutPending(pending("k1", time.Now())); err != nil {
		t.Fatalf("PutPending: %v", err)
	}

	// Fast-forward the clock past the TTL and the cleanup cadence.
	store.now = func() time.Time { return time.Now().Add(5 * time.Second) }

	due, err := store.DuePending(10)
	if err != nil {
		t.Fatalf("DuePending after expiry: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected entry to expire, got %#v", due)
	}
}

func TestBoltStoreDueSkipsNothingAroundExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	storeRaw, err := openBolt(filepath.Join(dir, "capturer.db"), normalizeOptions(Options{}))
	if err != nil {
		t.Fatalf("openBolt: %v", err)
	}
	store := storeRaw.(*boltStore)
	defer store.Close()

	// Alternate expired and live entries; expired ones carry a past expiry.
	base := time.Now()
	var live []string
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		key := PendingKey(base.Add(time.Duration(i)*time.Second), name)
		if i%2 == 1 {
			live = append(live, key)
			if err := store.PutPending(pending(key, base)); err != nil {
				t.Fatalf("PutPending: %v", err)
			}
			continue
		}
		if err := store.db.Update(func(tx *bolt.Tx) error {
			value := make([]byte, expiryValueBytes+2)
			binary.BigEndian.PutUint64(value, uint64(base.Add(-time.Hour).Unix()))
			copy(value[expiryValueBytes:], "{}")
			return tx.Bucket([]byte(outboxBucket)).Put([]byte(key), value)
		}); err != nil {
			t.Fatalf("seed expired entry: %v", err)
		}
	}

	due, err := store.DuePending(10)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != len(live) {
		t.Fatalf("expected %d live entries, got %d", len(live), len(due))
	}
	for i, p := range due {
		if p.Key != live[i] {
			t.Fatalf("entry %d = %s, want %s", i, p.Key, live[i])
		}
	}

	var remaining int
	_ = store.db.View(func(tx *bolt.Tx) error {
		remaining = tx.Bucket([]byte(outboxBucket)).Stats().KeyN
		return nil
	})
	if remaining != len(live) {
		t.Fatalf("expired entries not removed, %d keys remain", remaining)
	}
}

func TestBoltStoreCredentials(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore("bbolt", filepath.Join(dir, "nested", "capturer.db"), Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if _, ok, err := store.GetCredential("access_token"); err != nil || ok {
		t.Fatalf("expected no credential, ok=%v err=%v", ok, err)
	}
	if err := store.SetCredential("access_token", "tok"); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}
	if v, ok, _ := store.GetCredential("access_token"); !ok || v != "tok" {
		t.Fatalf("GetCredential = %q %v", v, ok)
	}
	if err := store.DeleteCredential("access_token"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if _, ok, _ := store.GetCredential("access_token"); ok {
		t.Fatalf("expected credential removed")
	}
}

func TestNewStoreMemoryFallback(t *testing.T) {
	store, err := NewStore("none", "", Options{})
	if err != nil {
		t.Fatalf("NewStore none: %v", err)
	}
	if err := store.PutPending(pending("x", time.Now())); err != nil {
		t.Fatalf("memory store PutPending: %v", err)
	}
	due, _ := store.DuePending(1)
	if len(due) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(due))
	}
	if _, err := NewStore("redis", "", Options{}); err == nil {
		t.Fatalf("expected unsupported storage type error")
	}
}
