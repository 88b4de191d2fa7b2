// Package conversation holds per-user conversation state: the rolling
// history replayed to the decision engine, the time of the last inbound
// message, and the user's gateway session handle.
package conversation

import (
	"context"
	"time"

	"github.com/fpagent/fpagent/internal/gateway"
)

// Role tags a message in the history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn. Order is significant: history is replayed
// verbatim.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is one user's conversation.
type State struct {
	UserID          string          `json:"user_id"`
	History         []Message       `json:"history"`
	LastInteraction time.Time       `json:"last_interaction"`
	Gateway         gateway.Session `json:"gateway"`
}

// Expired reports whether more than window has passed since the last
// inbound message. A conversation with no interaction yet is not
// expired.
func (s *State) Expired(now time.Time, window time.Duration) bool {
	return !s.LastInteraction.IsZero() && now.Sub(s.LastInteraction) > window
}

// ExpireIfIdle clears the history when the conversation has been idle
// longer than window and reports whether it did.
func (s *State) ExpireIfIdle(now time.Time, window time.Duration) bool {
	if !s.Expired(now, window) {
		return false
	}
	s.History = nil
	return true
}

// Record appends a completed exchange and refreshes LastInteraction.
func (s *State) Record(user, assistant string, now time.Time) {
	s.History = append(s.History,
		Message{Role: RoleUser, Content: user},
		Message{Role: RoleAssistant, Content: assistant},
	)
	s.LastInteraction = now
}

// Reset clears the history and the gateway session.
func (s *State) Reset() {
	s.History = nil
	s.Gateway.Invalidate()
	s.LastInteraction = time.Time{}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.History = append([]Message(nil), s.History...)
	return &c
}

// Cap returns the newest suffix of history that fits within maxMessages
// messages and maxChars characters of content. A zero limit disables
// that bound. The result never starts with an assistant turn.
func Cap(history []Message, maxMessages, maxChars int) []Message {
	start := 0
	if maxMessages > 0 && len(history) > maxMessages {
		start = len(history) - maxMessages
	}
	if maxChars > 0 {
		total := 0
		for i := len(history) - 1; i >= start; i-- {
			total += len([]rune(history[i].Content))
			if total > maxChars {
				start = i + 1
				break
			}
		}
	}
	for start < len(history) && history[start].Role == RoleAssistant {
		start++
	}
	if start == 0 {
		return history
	}
	return append([]Message(nil), history[start:]...)
}

// Store persists conversation state per user.
type Store interface {
	// Load returns the user's state, or a fresh state if none exists.
	Load(ctx context.Context, userID string) (*State, error)

	// Save replaces the user's state.
	Save(ctx context.Context, state *State) error

	// Reset deletes the user's state.
	Reset(ctx context.Context, userID string) error
}
