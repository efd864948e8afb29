package model

import (
	"encoding/json"
	"time"
)

// turnIDTimeFormat is fixed width and zero padded, so ids of one session sort
// lexically in the same order as their timestamps.
const turnIDTimeFormat = "20060102T150405.000000000Z"

// TurnID identifies a ConversationTurn: session id plus a nanosecond UTC
// timestamp.
type TurnID string

// NewTurnID builds the id of a turn recorded at ts for sessionID.
func NewTurnID(sessionID string, ts time.Time) TurnID {
	return TurnID(sessionID + "_" + ts.UTC().Format(turnIDTimeFormat))
}

// ConversationTurn is one user message with the assistant response to it.
type ConversationTurn struct {
	ID                TurnID
	SessionID         string
	UserMessage       string
	AssistantResponse string
	Timestamp         time.Time
	ContextSnapshot   json.RawMessage
	Vector            []float32
}

// EmbeddingText is the text a turn is embedded from. Both sides of the
// exchange are included so a later query can match either.
func (t *ConversationTurn) EmbeddingText() string {
	return t.UserMessage + "\n" + t.AssistantResponse
}

// HistoryEntry is the caller-facing view of a turn.
type HistoryEntry struct {
	UserMessage       string          `json:"user_message" yaml:"user_message"`
	AssistantResponse string          `json:"assistant_response" yaml:"assistant_response"`
	Timestamp         time.Time       `json:"timestamp" yaml:"timestamp"`
	Context           json.RawMessage `json:"context,omitempty" yaml:"-"`
}

// Entry converts the turn to its HistoryEntry.
func (t *ConversationTurn) Entry() *HistoryEntry {
	return &HistoryEntry{
		UserMessage:       t.UserMessage,
		AssistantResponse: t.AssistantResponse,
		Timestamp:         t.Timestamp,
		Context:           t.ContextSnapshot,
	}
}
