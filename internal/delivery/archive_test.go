package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/httpclient"
)

func helloTurn() domain.CapturedTurn {
	return domain.CapturedTurn{
		SourceID:   "chatgpt/conversation-turn-2",
		Source:     domain.SourceChatGPT,
		Prompt:     "Hello",
		Response:   "Hi there",
		CapturedAt: time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.FixedZone("IST", 19800)),
	}
}

func TestArchiveClientSubmitPostsConversation(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/conversations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-1" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	archive := NewArchiveClient(httpclient.NewRestyClient(2*time.Second), srv.URL+"/")
	if err := archive.Submit(context.Background(), "tok-1", helloTurn()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got["source"] != "CHAT_GPT" || got["prompt"] != "Hello" || got["response"] != "Hi there" {
		t.Fatalf("unexpected body %#v", got)
	}
	if got["conversation_timestamp"] != "2026-03-03T23:36:07.008Z" {
		t.Fatalf("conversation_timestamp = %v", got["conversation_timestamp"])
	}
	if _, leaked := got["source_id"]; leaked {
		t.Fatalf("source_id must not be sent: %#v", got)
	}
}

func TestArchiveClientClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		want      error
		retryable bool
	}{
		{status: http.StatusUnauthorized, want: ErrUnauthenticated, retryable: true},
		{status: http.StatusForbidden, want: ErrUnauthenticated, retryable: true},
		{status: http.StatusTooManyRequests, want: ErrDeliveryFailed, retryable: true},
		{status: http.StatusBadGateway, want: ErrDeliveryFailed, retryable: true},
		{status: http.StatusUnprocessableEntity, want: ErrDeliveryFailed, retryable: false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		archive := NewArchiveClient(httpclient.NewRestyClient(time.Second), srv.URL)

		err := archive.Submit(context.Background(), "tok", helloTurn())
		srv.Close()

		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Code != tc.status || statusErr.Body != "nope" {
			t.Fatalf("status %d: expected StatusError, got %#v", tc.status, err)
		}
		if Retryable(err) != tc.retryable {
			t.Fatalf("status %d: Retryable = %v", tc.status, !tc.retryable)
		}
	}
}

func TestArchiveClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewArchiveClient(httpclient.NewRestyClient(time.Second), url).Submit(context.Background(), "tok", helloTurn())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("transport errors should be retryable")
	}
}

func TestArchiveClientRejectsUnknownSource(t *testing.T) {
	turn := helloTurn()
	turn.Source = "CLAUDE"
	err := NewArchiveClient(httpclient.NewRestyClient(time.Second), "http://127.0.0.1:1").Submit(context.Background(), "tok", turn)
	if !errors.Is(err, ErrInvalidTurn) || Retryable(err) {
		t.Fatalf("expected non-retryable ErrInvalidTurn, got %v", err)
	}
}
