package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
)

// Package storage provides the local outbox and credential store.

// Pending is a captured turn waiting for another delivery attempt.
type Pending struct {
	Key        string              `json:"key"`
	Turn       domain.CapturedTurn `json:"turn"`
	Attempts   int                 `json:"attempts"`
	LastError  string              `json:"last_error,omitempty"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// Outbox parks undelivered turns.
type Outbox interface {
	PutPending(p Pending) error
	// DuePending returns up to limit entries, oldest key first.
	DuePending(limit int) ([]Pending, error)
	DeletePending(key string) error
}

// CredentialStore holds opaque secrets such as the archive bearer token.
type CredentialStore interface {
	GetCredential(key string) (string, bool, error)
	SetCredential(key, value string) error
	DeleteCredential(key string) error
}

// Store is the full local persistence surface.
type Store interface {
	Outbox
	CredentialStore
	Close() error
}

// Options controls retention characteristics for concrete store implementations.
type Options struct {
	PendingTTL      time.Duration
	CleanupInterval time.Duration
}

const (
	defaultPendingTTL      = 3 * 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// NewStore creates the configured storage backend. "none" keeps everything in
// memory for the lifetime of the process.
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	opts = normalizeOptions(opts)

	switch typ {
	case "", "none", "memory", "disabled":
		return newMemoryStore(opts), nil
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

// PendingKey orders outbox entries by enqueue time.
func PendingKey(at time.Time, sourceID string) string {
	return fmt.Sprintf("%020d|%s", at.UnixNano(), sourceID)
}

func normalizeOptions(opts Options) Options {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return opts
}
