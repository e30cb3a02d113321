package capture

import (
	"context"
	"errors"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

// ErrAttachPending is logged while the root container has not rendered yet.
var ErrAttachPending = errors.New("root container not present yet")

const (
	DefaultAttachInterval = 2 * time.Second
	DefaultQuiet          = 400 * time.Millisecond
)

// WatcherConfig controls attach polling and mutation debouncing.
type WatcherConfig struct {
	RootSelector string
	// AttachInterval is the poll period while the root is absent.
	AttachInterval time.Duration
	// Quiet is the debounce window; MaxWait (optional) bounds a burst.
	Quiet   time.Duration
	MaxWait time.Duration
	// Settle is how long the tree must stay quiet after attaching before
	// OnAttach runs. Zero runs OnAttach immediately.
	Settle time.Duration
	// Liveness is the period of the root connectivity probe. Zero disables it.
	Liveness time.Duration

	// OnAttach runs once per attached root, before any OnScan for it.
	OnAttach func(root dom.Node, first bool)
	// OnScan runs on the trailing edge of each mutation burst.
	OnScan func(root dom.Node)
}

// Watcher keeps a subscription on the root container and re-attaches when the
// container is replaced.
type Watcher struct {
	doc dom.Document
	cfg WatcherConfig
	log logger.Logger
}

// NewWatcher builds a watcher over doc.
func NewWatcher(doc dom.Document, cfg WatcherConfig, log logger.Logger) *Watcher {
	if cfg.AttachInterval <= 0 {
		cfg.AttachInterval = DefaultAttachInterval
	}
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultQuiet
	}
	if cfg.OnAttach == nil {
		cfg.OnAttach = func(dom.Node, bool) {}
	}
	if cfg.OnScan == nil {
		cfg.OnScan = func(dom.Node) {}
	}
	return &Watcher{doc: doc, cfg: cfg, log: logger.Ensure(log)}
}

// Run attaches, observes and re-attaches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	first := true
	for {
		root, err := w.attach(ctx)
		if err != nil {
			return err
		}
		if w.observe(ctx, root, first) {
			first = false
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// attach polls for the root immediately and then every AttachInterval.
func (w *Watcher) attach(ctx context.Context) (dom.Node, error) {
	ticker := time.NewTicker(w.cfg.AttachInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		root, ok, err := w.doc.Query(w.cfg.RootSelector)
		switch {
		case err != nil:
			w.log.WarnObj("root lookup failed", "attach_error", map[string]any{
				"selector": w.cfg.RootSelector,
				"attempt":  attempt,
				"error":    err.Error(),
			})
		case ok:
			w.log.InfoObj("root container attached", "attach", map[string]any{
				"selector": w.cfg.RootSelector,
				"attempt":  attempt,
				"node":     root.ID(),
			})
			return root, nil
		default:
			w.log.DebugObj("root container not found", "attach_pending", map[string]any{
				"selector": w.cfg.RootSelector,
				"attempt":  attempt,
				"reason":   ErrAttachPending.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// observe runs one attachment until the root detaches or ctx ends. It
// reports whether OnAttach was called.
func (w *Watcher) observe(ctx context.Context, root dom.Node, first bool) bool {
	sub, err := w.doc.Observe(ctx, root)
	if err != nil {
		w.log.WarnObj("observe root failed", "observe_error", map[string]any{
			"node":  root.ID(),
			"error": err.Error(),
		})
		w.sleep(ctx, w.cfg.AttachInterval)
		return false
	}
	defer sub.Close()

	if !w.settle(ctx, sub) {
		return false
	}
	w.cfg.OnAttach(root, first)

	timer := newDebounceTimer(w.cfg.Quiet, w.cfg.MaxWait)
	defer timer.cancel()

	var liveness <-chan time.Time
	if w.cfg.Liveness > 0 {
		t := time.NewTicker(w.cfg.Liveness)
		defer t.Stop()
		liveness = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return true
		case <-sub.Batches():
			timer.touch(time.Now())
		case <-timer.C():
			timer.fire()
			w.cfg.OnScan(root)
		case <-sub.Detached():
			w.detached(root, timer, "observer")
			return true
		case <-liveness:
			if ok, err := root.Connected(); err != nil || !ok {
				w.detached(root, timer, "liveness")
				return true
			}
		}
	}
}

// settle waits until no batch has arrived for Settle, bounded by four times
// Settle. It returns false if the root detached or ctx ended meanwhile.
func (w *Watcher) settle(ctx context.Context, sub dom.Subscription) bool {
	if w.cfg.Settle <= 0 {
		return true
	}
	quiet := time.NewTimer(w.cfg.Settle)
	defer quiet.Stop()
	limit := time.NewTimer(4 * w.cfg.Settle)
	defer limit.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Detached():
			return false
		case <-sub.Batches():
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(w.cfg.Settle)
		case <-quiet.C:
			return true
		case <-limit.C:
			return true
		}
	}
}

// detached drops any pending scan: the container it would read is gone and
// the next attachment handles whatever replaced it.
func (w *Watcher) detached(root dom.Node, timer *debounceTimer, via string) {
	dropped := timer.pending()
	timer.cancel()
	w.log.InfoObj("root container detached", "detach", map[string]any{
		"node":              root.ID(),
		"detected_by":       via,
		"dropped_pending":   dropped,
		"reattach_interval": w.cfg.AttachInterval.String(),
	})
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
