package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom/htmltree"
)

func TestWatcherCoalescesMutationBurst(t *testing.T) {
	doc := parse(t, chatPage())
	var attached, scans atomic.Int32

	w := NewWatcher(doc, WatcherConfig{
		RootSelector:   "main",
		AttachInterval: 20 * time.Millisecond,
		Quiet:          60 * time.Millisecond,
		OnAttach:       func(dom.Node, bool) { attached.Add(1) },
		OnScan:         func(dom.Node) { scans.Add(1) },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	eventually(t, time.Second, func() bool { return attached.Load() == 1 }, "watcher attached")

	for i := 0; i < 10; i++ {
		if err := doc.Append("main", `<p>chunk</p>`); err != nil {
			t.Fatalf("Append: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	eventually(t, time.Second, func() bool { return scans.Load() >= 1 }, "scan after burst")
	time.Sleep(150 * time.Millisecond)
	if got := scans.Load(); got != 1 {
		t.Fatalf("expected exactly one scan for the burst, got %d", got)
	}
}

func TestWatcherRetriesUntilRootAppears(t *testing.T) {
	doc := &flakyDoc{Document: parse(t, chatPage()), misses: 2}
	attachedAt := make(chan int, 1)

	w := NewWatcher(doc, WatcherConfig{
		RootSelector:   "main",
		AttachInterval: 20 * time.Millisecond,
		OnAttach: func(dom.Node, bool) {
			attachedAt <- doc.lookups()
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case n := <-attachedAt:
		if n != 3 {
			t.Fatalf("expected attach on the third lookup, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher never attached")
	}
}

func TestWatcherReattachesAfterRootReplaced(t *testing.T) {
	doc := parse(t, chatPage())
	firsts := make(chan bool, 4)

	w := NewWatcher(doc, WatcherConfig{
		RootSelector:   "main",
		AttachInterval: 20 * time.Millisecond,
		Quiet:          20 * time.Millisecond,
		OnAttach:       func(_ dom.Node, first bool) { firsts <- first },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if first := <-firsts; !first {
		t.Fatalf("first attach should report first=true")
	}
	if err := doc.Replace("main", `<main id="fresh"></main>`); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	select {
	case first := <-firsts:
		if first {
			t.Fatalf("re-attach should report first=false")
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher did not re-attach")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop on cancel")
	}
}

func TestWatcherLivenessDetectsSilentDetach(t *testing.T) {
	base := parse(t, chatPage())
	doc := &silentDoc{doc: base}
	firsts := make(chan bool, 4)

	w := NewWatcher(doc, WatcherConfig{
		RootSelector:   "main",
		AttachInterval: 20 * time.Millisecond,
		Liveness:       20 * time.Millisecond,
		OnAttach:       func(_ dom.Node, first bool) { firsts <- first },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	<-firsts
	if err := base.Replace("main", `<main></main>`); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	select {
	case <-firsts:
	case <-time.After(time.Second):
		t.Fatalf("liveness probe did not trigger re-attach")
	}
}

func TestWatcherKeepsFirstAttachAfterObserveError(t *testing.T) {
	doc := &failingObserveDoc{Document: parse(t, chatPage()), failures: 1}
	firsts := make(chan bool, 4)

	w := NewWatcher(doc, WatcherConfig{
		RootSelector:   "main",
		AttachInterval: 20 * time.Millisecond,
		OnAttach:       func(_ dom.Node, first bool) { firsts <- first },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case first := <-firsts:
		if !first {
			t.Fatalf("attach after a failed observe should still be the first")
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher never attached")
	}
}

// failingObserveDoc fails the first failures Observe calls.
type failingObserveDoc struct {
	*htmltree.Document
	mu       sync.Mutex
	failures int
}

func (f *failingObserveDoc) Observe(ctx context.Context, root dom.Node) (dom.Subscription, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("observer injection failed")
	}
	return f.Document.Observe(ctx, root)
}

// silentDoc never reports detachment through the subscription.
type silentDoc struct {
	doc *htmltree.Document
}

func (s *silentDoc) Query(selector string) (dom.Node, bool, error) {
	return s.doc.Query(selector)
}

func (s *silentDoc) Observe(context.Context, dom.Node) (dom.Subscription, error) {
	return quietSub{batches: make(chan dom.Batch), detached: make(chan struct{})}, nil
}

type quietSub struct {
	batches  chan dom.Batch
	detached chan struct{}
}

func (q quietSub) Batches() <-chan dom.Batch  { return q.batches }
func (q quietSub) Detached() <-chan struct{} { return q.detached }
func (q quietSub) Close() error               { return nil }
