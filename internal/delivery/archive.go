// Package delivery submits captured turns to the conversation archive.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/httpclient"
)

const (
	conversationsPath = "/api/v1/conversations"
	timestampLayout   = "2006-01-02T15:04:05.000Z07:00"
	bodySnippetLimit  = 512
)

var (
	// ErrUnauthenticated means no credential was available or the archive refused it.
	ErrUnauthenticated = errors.New("archive rejected or missing credential")
	// ErrDeliveryFailed covers transport failures and non-2xx responses.
	ErrDeliveryFailed = errors.New("conversation delivery failed")
	// ErrInvalidTurn is returned for turns the archive would never accept.
	ErrInvalidTurn = errors.New("turn is not deliverable")
)

// StatusError carries the archive's response for a non-2xx status.
type StatusError struct {
	Code  int
	Body  string
	class error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("archive responded %d", e.Code)
	}
	return fmt.Sprintf("archive responded %d: %s", e.Code, e.Body)
}

// Unwrap exposes ErrUnauthenticated or ErrDeliveryFailed.
func (e *StatusError) Unwrap() error { return e.class }

// Conversation is the archive's request body.
type Conversation struct {
	Source                string `json:"source"`
	Prompt                string `json:"prompt"`
	Response              string `json:"response"`
	ConversationTimestamp string `json:"conversation_timestamp"`
}

// NewConversation converts a captured turn into the archive payload. SourceID
// stays local.
func NewConversation(turn domain.CapturedTurn) Conversation {
	return Conversation{
		Source:                string(turn.Source),
		Prompt:                turn.Prompt,
		Response:              turn.Response,
		ConversationTimestamp: turn.CapturedAt.UTC().Format(timestampLayout),
	}
}

// Submitter performs one authenticated submission.
type Submitter interface {
	Submit(ctx context.Context, token string, turn domain.CapturedTurn) error
}

// ArchiveClient posts conversations to the archive service.
type ArchiveClient struct {
	client httpclient.Client
	url    string
}

// NewArchiveClient targets baseURL + /api/v1/conversations.
func NewArchiveClient(client httpclient.Client, baseURL string) *ArchiveClient {
	return &ArchiveClient{
		client: client,
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + conversationsPath,
	}
}

// URL returns the endpoint submissions go to.
func (a *ArchiveClient) URL() string { return a.url }

// Submit sends one conversation. Errors wrap ErrUnauthenticated,
// ErrDeliveryFailed or ErrInvalidTurn.
func (a *ArchiveClient) Submit(ctx context.Context, token string, turn domain.CapturedTurn) error {
	if !turn.Source.Valid() {
		return fmt.Errorf("%w: unsupported source %q", ErrInvalidTurn, turn.Source)
	}
	if strings.TrimSpace(token) == "" {
		return ErrUnauthenticated
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Accept":        "application/json",
	}
	resp, err := a.client.Post(ctx, a.url, headers, NewConversation(turn))
	if err != nil {
		return fmt.Errorf("%w: post conversation: %w", ErrDeliveryFailed, err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return &StatusError{Code: code, Body: snippet(resp.Body()), class: ErrUnauthenticated}
	default:
		return &StatusError{Code: code, Body: snippet(resp.Body()), class: ErrDeliveryFailed}
	}
}

func snippet(body []byte) string {
	if len(body) > bodySnippetLimit {
		body = body[:bodySnippetLimit]
	}
	return strings.TrimSpace(string(body))
}
