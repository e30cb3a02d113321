package domain

import "time"

// Domain contains core models shared across the capture pipeline.

// Source identifies the chat product an exchange was captured from.
type Source string

const (
	SourceChatGPT Source = "CHAT_GPT"
	SourceGemini  Source = "GEMINI"
)

// Valid reports whether s is one of the sources the archive accepts.
func (s Source) Valid() bool {
	return s == SourceChatGPT || s == SourceGemini
}

// CapturedTurn is one completed prompt/response exchange read off the page.
// SourceID is local bookkeeping and is never sent to the archive.
type CapturedTurn struct {
	SourceID   string    `json:"source_id"`
	Source     Source    `json:"source"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	CapturedAt time.Time `json:"captured_at"`
}
