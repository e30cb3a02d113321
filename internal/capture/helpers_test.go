package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/adapters"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom/htmltree"
)

func userTurn(n, text string) string {
	return `<article data-testid="conversation-turn-` + n + `"><div data-message-author-role="user">` + text + `</div></article>`
}

func assistantTurn(n, text string, done bool) string {
	btn := ""
	if done {
		btn = `<button data-testid="copy-turn-action-button"></button>`
	}
	return `<article data-testid="conversation-turn-` + n + `"><div data-message-author-role="assistant"><div class="markdown">` + text + `</div></div>` + btn + `</article>`
}

func chatPage(turns ...string) string {
	out := `<html><body><nav></nav><main>`
	for _, t := range turns {
		out += t
	}
	return out + `</main></body></html>`
}

func chatgpt(t *testing.T) adapters.SiteAdapter {
	t.Helper()
	a, err := adapters.New(adapters.ChatGPTDefinition())
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	return a
}

func parse(t *testing.T, markup string) *htmltree.Document {
	t.Helper()
	doc, err := htmltree.ParseString(markup)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func rootOf(t *testing.T, doc dom.Document) dom.Node {
	t.Helper()
	root, ok, err := doc.Query("main")
	if err != nil || !ok {
		t.Fatalf("main not found: %v", err)
	}
	return root
}

// recorder is a Deliverer that keeps every turn it is handed.
type recorder struct {
	mu    sync.Mutex
	turns []domain.CapturedTurn
}

func (r *recorder) Enqueue(turn domain.CapturedTurn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	return true
}

func (r *recorder) snapshot() []domain.CapturedTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CapturedTurn, len(r.turns))
	copy(out, r.turns)
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", within, msg)
}

// flakyDoc hides the root for the first misses lookups.
type flakyDoc struct {
	*htmltree.Document
	mu     sync.Mutex
	misses int
	calls  int
}

func (f *flakyDoc) Query(selector string) (dom.Node, bool, error) {
	f.mu.Lock()
	f.calls++
	hide := f.calls <= f.misses
	f.mu.Unlock()
	if hide {
		return nil, false, nil
	}
	return f.Document.Query(selector)
}

func (f *flakyDoc) Observe(ctx context.Context, root dom.Node) (dom.Subscription, error) {
	return f.Document.Observe(ctx, root)
}

func (f *flakyDoc) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
