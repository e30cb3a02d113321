package publishers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/domain"
)

// Event is the payload mirrored downstream for every captured turn.
type Event struct {
	ID                    string    `json:"id"`
	Source                string    `json:"source"`
	Prompt                string    `json:"prompt"`
	Response              string    `json:"response"`
	ConversationTimestamp time.Time `json:"conversation_timestamp"`
	PublishedAt           time.Time `json:"published_at"`
}

// NewEvent stamps a fresh id and publish time on turn. The turn's SourceID
// stays local.
func NewEvent(turn domain.CapturedTurn) Event {
	return Event{
		ID:                    uuid.NewString(),
		Source:                string(turn.Source),
		Prompt:                turn.Prompt,
		Response:              turn.Response,
		ConversationTimestamp: turn.CapturedAt.UTC(),
		PublishedAt:           time.Now().UTC(),
	}
}

// attributes are the routing fields copied onto broker message metadata so
// subscribers can filter without decoding the body.
func (e Event) attributes() map[string]string {
	source := e.Source
	if source == "" {
		source = "UNKNOWN"
	}
	return map[string]string{"source": source, "event_id": e.ID}
}

func (e Event) payload() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(raw), nil
}
