package capture

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/delivery"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/storage"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/httpclient"
)

func fastOptions() Options {
	return Options{
		AttachInterval: 20 * time.Millisecond,
		Quiet:          30 * time.Millisecond,
		Settle:         20 * time.Millisecond,
	}
}

func TestEngineSuppressesHistoryAndCapturesNewTurn(t *testing.T) {
	doc := parse(t, chatPage(
		userTurn("1", "h1"), assistantTurn("2", "a1", true),
		userTurn("3", "h2"), assistantTurn("4", "a2", true),
		userTurn("5", "h3"), assistantTurn("6", "a3", true),
	))
	rec := &recorder{}
	e := NewEngine(doc, rec, fastOptions(), nil)

	if err := e.Start(context.Background(), chatgpt(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	eventually(t, time.Second, func() bool { return e.Stats().Attachments == 1 }, "engine attached")
	if got := e.Stats().Prescanned; got != 3 {
		t.Fatalf("expected 3 history turns marked, got %d", got)
	}

	if err := doc.Append("main", userTurn("7", "new prompt")+assistantTurn("8", "new answer", true)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	eventually(t, time.Second, func() bool { return len(rec.snapshot()) == 1 }, "new turn delivered")

	time.Sleep(100 * time.Millisecond)
	turns := rec.snapshot()
	if len(turns) != 1 {
		t.Fatalf("expected only the new turn, got %d", len(turns))
	}
	if turns[0].Prompt != "new prompt" || turns[0].Response != "new answer" {
		t.Fatalf("unexpected turn %#v", turns[0])
	}
}

func TestEngineCapturesTurnFinishedDuringRerender(t *testing.T) {
	doc := parse(t, chatPage(userTurn("1", "old prompt"), assistantTurn("2", "old answer", true)))
	rec := &recorder{}
	e := NewEngine(doc, rec, fastOptions(), nil)
	if err := e.Start(context.Background(), chatgpt(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	eventually(t, time.Second, func() bool { return e.Stats().Attachments == 1 }, "engine attached")
	prescanned := e.Stats().Prescanned
	if prescanned == 0 {
		t.Fatalf("expected history to be marked on first attach")
	}

	rerendered := `<main>` +
		userTurn("1", "old prompt") + assistantTurn("2", "old answer", true) +
		userTurn("3", "brand new") + assistantTurn("4", "fresh answer", true) +
		`</main>`
	if err := doc.Replace("main", rerendered); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	eventually(t, time.Second, func() bool {
		for _, turn := range rec.snapshot() {
			if turn.Prompt == "brand new" && turn.Response == "fresh answer" {
				return true
			}
		}
		return false
	}, "turn finished during re-render delivered")

	stats := e.Stats()
	if stats.Attachments < 2 {
		t.Fatalf("expected a re-attach, got %d attachments", stats.Attachments)
	}
	if stats.Prescanned != prescanned {
		t.Fatalf("re-attach marked history again: %d -> %d", prescanned, stats.Prescanned)
	}
}

func TestEngineWaitsForStreamingToFinish(t *testing.T) {
	doc := parse(t, chatPage())
	rec := &recorder{}
	e := NewEngine(doc, rec, fastOptions(), nil)
	if err := e.Start(context.Background(), chatgpt(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	eventually(t, time.Second, func() bool { return e.Stats().Attachments == 1 }, "engine attached")

	if err := doc.Append("main", userTurn("1", "q")+assistantTurn("2", "partial", false)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	for _, chunk := range []string{"partial answer", "partial answer, more"} {
		time.Sleep(60 * time.Millisecond)
		if err := doc.SetText("div.markdown", chunk); err != nil {
			t.Fatalf("SetText: %v", err)
		}
	}
	time.Sleep(80 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("incomplete turn delivered %d times", n)
	}

	if err := doc.Append("article[data-testid='conversation-turn-2']", `<button data-testid="copy-turn-action-button"></button>`); err != nil {
		t.Fatalf("Append button: %v", err)
	}
	eventually(t, time.Second, func() bool { return len(rec.snapshot()) == 1 }, "completed turn delivered")
	if got := rec.snapshot()[0].Response; got != "partial answer, more" {
		t.Fatalf("Response = %q", got)
	}
}

func TestEngineStartTwiceAndNilAdapter(t *testing.T) {
	e := NewEngine(parse(t, chatPage()), &recorder{}, fastOptions(), nil)
	if err := e.Start(context.Background(), nil); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
	if err := e.Start(context.Background(), chatgpt(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background(), chatgpt(t)); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	e.Stop()
	e.Stop()
}

func TestEngineDeliversToArchiveEndToEnd(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
		auth   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store, err := storage.NewStore("none", "", storage.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.SetCredential("access_token", "secret"); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}
	archive := delivery.NewArchiveClient(httpclient.NewRestyClient(2*time.Second), srv.URL)
	queue := delivery.NewQueue(archive, store, nil, nil, delivery.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	doc := parse(t, chatPage())
	e := NewEngine(doc, queue, fastOptions(), nil)
	if err := e.Start(ctx, chatgpt(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	eventually(t, time.Second, func() bool { return e.Stats().Attachments == 1 }, "engine attached")

	if err := doc.Append("main", userTurn("1", "Hello")+assistantTurn("2", "Hi there", true)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, "archive received the turn")

	mu.Lock()
	body, gotAuth := bodies[0], auth
	mu.Unlock()
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if body["source"] != "CHAT_GPT" || body["prompt"] != "Hello" || body["response"] != "Hi there" {
		t.Fatalf("unexpected body %#v", body)
	}
	if ts, _ := body["conversation_timestamp"].(string); ts == "" {
		t.Fatalf("conversation_timestamp missing")
	}

	node, ok, err := doc.Query("article[data-testid='conversation-turn-2']")
	if err != nil || !ok {
		t.Fatalf("assistant node missing: %v", err)
	}
	if v, ok, _ := node.Attr(MarkAttribute); !ok || v != MarkCaptured {
		t.Fatalf("node mark = %q %v", v, ok)
	}
}
