package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTopics is the number of topics kept per session.
	MaxTopics = 10
	// MaxTopicLength caps a topic, in runes.
	MaxTopicLength = 50
	// MaxLastMessageLength caps the last user/assistant message kept in a summary, in runes.
	MaxLastMessageLength = 100
)

// SessionSummary is the per-session bookkeeping record. One exists for every
// session that has at least one stored turn.
type SessionSummary struct {
	SessionID             string    `firestore:"session_id" json:"session_id" yaml:"session_id"`
	MessageCount          int       `firestore:"message_count" json:"message_count" yaml:"message_count"`
	CreatedAt             time.Time `firestore:"created_at" json:"created_at" yaml:"created_at"`
	LastActivity          time.Time `firestore:"last_activity" json:"last_activity" yaml:"last_activity"`
	Topics                []string  `firestore:"topics" json:"topics" yaml:"topics"`
	LastUserMessage       string    `firestore:"last_user_message" json:"last_user_message" yaml:"last_user_message"`
	LastAssistantResponse string    `firestore:"last_assistant_response" json:"last_assistant_response" yaml:"last_assistant_response"`
}

// NewSessionSummary creates the summary for the first turn of a session.
func NewSessionSummary(sessionID, userMessage, assistantResponse string, now time.Time) *SessionSummary {
	s := &SessionSummary{
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActivity: now,
		Topics:       []string{},
	}
	s.record(userMessage, assistantResponse)
	return s
}

// Apply folds one more turn into the summary.
func (s *SessionSummary) Apply(userMessage, assistantResponse string, now time.Time) {
	s.LastActivity = now
	s.record(userMessage, assistantResponse)
}

func (s *SessionSummary) record(userMessage, assistantResponse string) {
	s.MessageCount++
	if IsTopic(userMessage) {
		s.Topics = append(s.Topics, Truncate(userMessage, MaxTopicLength))
	}
	if len(s.Topics) > MaxTopics {
		s.Topics = append([]string{}, s.Topics[len(s.Topics)-MaxTopics:]...)
	}
	s.LastUserMessage = Truncate(userMessage, MaxLastMessageLength)
	s.LastAssistantResponse = Truncate(assistantResponse, MaxLastMessageLength)
}

// ExpiredAt reports whether the session has been idle for longer than maxAge at now.
func (s *SessionSummary) ExpiredAt(now time.Time, maxAge time.Duration) bool {
	return s.LastActivity.Before(now.Add(-maxAge))
}

// IsTopic filters out short acknowledgements such as "yes" or "ok thanks".
func IsTopic(message string) bool {
	return len(strings.Fields(message)) > 2
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func (s *SessionSummary) Clone() *SessionSummary {
	c := *s
	c.Topics = append([]string{}, s.Topics...)
	return &c
}
