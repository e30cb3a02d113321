package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/storage"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/publishers"
)

const (
	defaultBuffer        = 64
	defaultMaxAttempts   = 5
	defaultRetryInterval = time.Minute
	defaultRatePerSecond = 2
	defaultCredentialKey = "access_token"
	drainBatch           = 32
)

// Mirror receives a copy of every captured turn.
type Mirror interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
	Size() int
}

// Record is the outcome of one delivery attempt.
type Record struct {
	Turn    domain.CapturedTurn
	Attempt int
	Err     error
}

// OK reports whether the attempt was accepted by the archive.
func (r Record) OK() bool { return r.Err == nil }

// Options tune the queue. Zero values take defaults.
type Options struct {
	CredentialKey string
	Buffer        int
	MaxAttempts   int
	RetryInterval time.Duration
	RatePerSecond float64
}

// Stats are cumulative delivery counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Parked    int64 `json:"parked"`
	Dropped   int64 `json:"dropped"`
}

// Queue hands captured turns from the engine to a single delivery worker.
// Every attempt reads the credential afresh. When an outbox is configured,
// retryable failures are parked there and redelivered by Run.
type Queue struct {
	archive Submitter
	creds   storage.CredentialStore
	outbox  storage.Outbox
	mirror  Mirror
	opts    Options
	log     logger.Logger
	limiter *rate.Limiter
	turns   chan domain.CapturedTurn
	now     func() time.Time

	delivered atomic.Int64
	failed    atomic.Int64
	parked    atomic.Int64
	dropped   atomic.Int64
}

// NewQueue builds a queue. outbox and mirror may be nil.
func NewQueue(archive Submitter, creds storage.CredentialStore, outbox storage.Outbox, mirror Mirror, opts Options, log logger.Logger) *Queue {
	opts = normalizeOptions(opts)
	return &Queue{
		archive: archive,
		creds:   creds,
		outbox:  outbox,
		mirror:  mirror,
		opts:    opts,
		log:     logger.Ensure(log),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		turns:   make(chan domain.CapturedTurn, opts.Buffer),
		now:     time.Now,
	}
}

func normalizeOptions(opts Options) Options {
	if opts.CredentialKey == "" {
		opts.CredentialKey = defaultCredentialKey
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = defaultRatePerSecond
	}
	return opts
}

// Enqueue never blocks. A full buffer parks the turn in the outbox when one
// is configured; otherwise the turn is dropped and false is returned.
func (q *Queue) Enqueue(turn domain.CapturedTurn) bool {
	select {
	case q.turns <- turn:
		return true
	default:
	}
	if q.park(turn, 0, errors.New("delivery buffer full")) {
		return true
	}
	q.dropped.Add(1)
	q.log.WarnObj("delivery buffer full, turn dropped", "delivery_dropped", map[string]any{
		"source_id": turn.SourceID,
	})
	return false
}

// Run delivers queued turns and periodically drains the outbox until ctx is
// cancelled. Turns still buffered at shutdown are parked.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.parkBuffered()
			return nil
		case turn := <-q.turns:
			q.deliver(ctx, turn)
		case <-ticker.C:
			if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.log.WarnObj("outbox drain failed", "delivery_outbox_error", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

// Send makes a single delivery attempt for turn.
func (q *Queue) Send(ctx context.Context, turn domain.CapturedTurn) Record {
	return q.send(ctx, turn, 1)
}

func (q *Queue) send(ctx context.Context, turn domain.CapturedTurn, attempt int) Record {
	rec := Record{Turn: turn, Attempt: attempt}
	fields := map[string]any{
		"source":    turn.Source,
		"source_id": turn.SourceID,
		"attempt":   attempt,
	}

	token, ok, err := q.creds.GetCredential(q.opts.CredentialKey)
	switch {
	case err != nil:
		rec.Err = fmt.Errorf("%w: read credential: %w", ErrUnauthenticated, err)
	case !ok || token == "":
		rec.Err = ErrUnauthenticated
	default:
		rec.Err = q.archive.Submit(ctx, token, turn)
	}

	if rec.Err == nil {
		q.delivered.Add(1)
		q.log.InfoObj("conversation delivered", "delivery_ok", fields)
		return rec
	}

	q.failed.Add(1)
	fields["error"] = rec.Err.Error()
	var statusErr *StatusError
	if errors.As(rec.Err, &statusErr) {
		fields["status"] = statusErr.Code
	}
	if errors.Is(rec.Err, ErrUnauthenticated) {
		q.log.WarnObj("conversation not delivered: unauthenticated", "delivery_unauthenticated", fields)
	} else {
		q.log.ErrorObj("conversation delivery failed", "delivery_failed", fields)
	}
	return rec
}

// deliver handles a freshly captured turn: mirror once, then attempt the archive.
func (q *Queue) deliver(ctx context.Context, turn domain.CapturedTurn) {
	q.publishMirror(ctx, turn)

	rec := q.send(ctx, turn, 1)
	if rec.OK() {
		return
	}
	if !Retryable(rec.Err) || !q.park(turn, 1, rec.Err) {
		q.dropped.Add(1)
	}
}

func (q *Queue) publishMirror(ctx context.Context, turn domain.CapturedTurn) {
	if q.mirror == nil || q.mirror.Size() == 0 {
		return
	}
	n, err := q.mirror.Publish(ctx, publishers.NewEvent(turn))
	if err != nil {
		q.log.WarnObj("mirror publish incomplete", "delivery_mirror_error", map[string]any{
			"source_id":  turn.SourceID,
			"successful": n,
			"error":      err.Error(),
		})
	}
}

// Drain retries due outbox entries, paced by the rate limiter. Entries that
// were parked before any attempt are mirrored first. It is a no-op while no
// credential is stored. It returns how many entries were delivered.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	if q.outbox == nil {
		return 0, nil
	}
	if token, ok, err := q.creds.GetCredential(q.opts.CredentialKey); err != nil || !ok || token == "" {
		q.log.DebugObj("outbox drain skipped: no credential", "delivery_outbox_skip", nil)
		return 0, nil
	}

	due, err := q.outbox.DuePending(drainBatch)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}

	delivered := 0
	for _, p := range due {
		if err := q.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		if p.Attempts == 0 {
			// Parked before its first attempt, so it was never mirrored.
			q.publishMirror(ctx, p.Turn)
		}
		rec := q.send(ctx, p.Turn, p.Attempts+1)
		if rec.OK() {
			delivered++
			if err := q.outbox.DeletePending(p.Key); err != nil {
				return delivered, fmt.Errorf("delete outbox entry: %w", err)
			}
			continue
		}

		p.Attempts = rec.Attempt
		p.LastError = rec.Err.Error()
		if !Retryable(rec.Err) || p.Attempts >= q.opts.MaxAttempts {
			q.dropped.Add(1)
			q.log.ErrorObj("outbox entry abandoned", "delivery_outbox_abandon", map[string]any{
				"source_id": p.Turn.SourceID,
				"attempts":  p.Attempts,
				"error":     p.LastError,
			})
			if err := q.outbox.DeletePending(p.Key); err != nil {
				return delivered, fmt.Errorf("delete outbox entry: %w", err)
			}
			continue
		}
		if err := q.outbox.PutPending(p); err != nil {
			return delivered, fmt.Errorf("update outbox entry: %w", err)
		}
	}
	return delivered, nil
}

func (q *Queue) park(turn domain.CapturedTurn, attempts int, cause error) bool {
	if q.outbox == nil {
		return false
	}
	p := storage.Pending{
		Key:        storage.PendingKey(q.now(), turn.SourceID),
		Turn:       turn,
		Attempts:   attempts,
		EnqueuedAt: q.now(),
	}
	if cause != nil {
		p.LastError = cause.Error()
	}
	if err := q.outbox.PutPending(p); err != nil {
		q.log.ErrorObj("outbox write failed", "delivery_outbox_error", map[string]any{
			"source_id": turn.SourceID,
			"error":     err.Error(),
		})
		return false
	}
	q.parked.Add(1)
	q.log.DebugObj("turn parked in outbox", "delivery_parked", map[string]any{
		"source_id": turn.SourceID,
		"attempts":  attempts,
	})
	return true
}

func (q *Queue) parkBuffered() {
	for {
		select {
		case turn := <-q.turns:
			if !q.park(turn, 0, errors.New("shutdown before delivery")) {
				q.dropped.Add(1)
			}
		default:
			return
		}
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Parked:    q.parked.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Retryable reports whether a failed attempt may succeed later without
// changes to the turn: missing or rejected credentials, transport errors,
// 408, 429 and 5xx responses.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidTurn) {
		return false
	}
	if errors.Is(err, ErrUnauthenticated) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusRequestTimeout ||
			statusErr.Code == http.StatusTooManyRequests ||
			statusErr.Code >= 500
	}
	return errors.Is(err, ErrDeliveryFailed)
}
