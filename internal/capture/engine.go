// Package capture watches a chat page and turns finished exchanges into
// captured turns exactly once per rendered node.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/adapters"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

var (
	ErrAlreadyStarted = errors.New("capture engine already started")
	ErrNoAdapter      = errors.New("capture engine requires a site adapter")
)

// Deliverer accepts captured turns without blocking the engine.
type Deliverer interface {
	Enqueue(turn domain.CapturedTurn) bool
}

// Options are the engine timings. Zero values fall back to watcher defaults.
type Options struct {
	AttachInterval time.Duration
	Quiet          time.Duration
	MaxWait        time.Duration
	Settle         time.Duration
	Liveness       time.Duration
	Ledger         Ledger
}

// Stats are cumulative counters for one engine.
type Stats struct {
	Attachments int64 `json:"attachments"`
	Scans       int64 `json:"scans"`
	Captured    int64 `json:"captured"`
	Failures    int64 `json:"failures"`
	Prescanned  int64 `json:"prescanned"`
	Dropped     int64 `json:"dropped"`
}

// Engine owns the watcher, ledger and extractor for one page session.
type Engine struct {
	doc     dom.Document
	deliver Deliverer
	opts    Options
	log     logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	attachments atomic.Int64
	scans       atomic.Int64
	captured    atomic.Int64
	failures    atomic.Int64
	prescanned  atomic.Int64
	dropped     atomic.Int64
}

// NewEngine builds an engine over doc that hands turns to deliver.
func NewEngine(doc dom.Document, deliver Deliverer, opts Options, log logger.Logger) *Engine {
	return &Engine{
		doc:     doc,
		deliver: deliver,
		opts:    opts,
		log:     logger.Ensure(log),
	}
}

// Start begins watching the page with adapter. It returns immediately; the
// engine runs until Stop or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, adapter adapters.SiteAdapter) error {
	if adapter == nil {
		return ErrNoAdapter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	extractor := NewExtractor(adapter, e.opts.Ledger, e.log)
	watcher := NewWatcher(e.doc, WatcherConfig{
		RootSelector:   adapter.RootSelector(),
		AttachInterval: e.opts.AttachInterval,
		Quiet:          e.opts.Quiet,
		MaxWait:        e.opts.MaxWait,
		Settle:         e.opts.Settle,
		Liveness:       e.opts.Liveness,
		OnAttach: func(root dom.Node, first bool) {
			e.onAttach(root, first, adapter, extractor)
		},
		OnScan: func(root dom.Node) {
			e.scan(root, extractor)
		},
	}, e.log)

	e.log.InfoObj("capture engine starting", "engine", map[string]any{
		"adapter_id": adapter.ID(),
		"source":     adapter.Source(),
		"root":       adapter.RootSelector(),
		"prescan":    adapter.PrescanExisting(),
	})

	go func(done chan struct{}) {
		defer close(done)
		if err := watcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.ErrorObj("watcher stopped", "error", err)
		}
	}(e.done)
	return nil
}

// Stop cancels the engine and waits for the watcher to exit. Safe to call
// more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.log.InfoObj("capture engine stopped", "engine_stats", e.Stats())
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Attachments: e.attachments.Load(),
		Scans:       e.scans.Load(),
		Captured:    e.captured.Load(),
		Failures:    e.failures.Load(),
		Prescanned:  e.prescanned.Load(),
		Dropped:     e.dropped.Load(),
	}
}

// onAttach marks the history already rendered on the first attach when the
// adapter asks for it. Every other attach scans, so turns that finished while
// the container was being replaced are still captured.
func (e *Engine) onAttach(root dom.Node, first bool, adapter adapters.SiteAdapter, x *Extractor) {
	defer e.attachments.Add(1)
	if !first || !adapter.PrescanExisting() {
		e.scan(root, x)
		return
	}
	n, err := e.opts.Ledger.Prescan(root, adapter)
	if err != nil {
		e.log.WarnObj("prescan failed", "prescan_error", map[string]any{
			"adapter_id": adapter.ID(),
			"error":      err.Error(),
		})
		return
	}
	e.prescanned.Add(int64(n))
	e.log.InfoObj("existing history marked", "prescan", map[string]any{
		"adapter_id": adapter.ID(),
		"marked":     n,
	})
}

func (e *Engine) scan(root dom.Node, x *Extractor) {
	e.scans.Add(1)
	res, err := x.Scan(root)
	if err != nil {
		e.log.WarnObj("scan failed", "scan_error", err.Error())
		return
	}
	e.failures.Add(int64(len(res.Failures)))

	for _, turn := range res.Turns {
		if !e.deliver.Enqueue(turn) {
			e.dropped.Add(1)
			e.log.WarnObj("captured turn not accepted for delivery", "turn_dropped", map[string]any{
				"source_id": turn.SourceID,
			})
			continue
		}
		e.captured.Add(1)
		e.log.InfoObj("turn captured", "turn", map[string]any{
			"source_id":       turn.SourceID,
			"source":          turn.Source,
			"prompt_chars":    len(turn.Prompt),
			"response_chars":  len(turn.Response),
			"pending_in_scan": res.Pending,
		})
	}
}
