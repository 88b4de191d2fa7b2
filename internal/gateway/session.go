package gateway

import (
	"fmt"
	"time"
)

// Session is a conversation's handle on a negotiated gateway session.
// The zero value is not established. A Session is owned by one
// conversation and is not safe for concurrent use.
type Session struct {
	ID          string    `json:"id,omitempty"`
	Server      string    `json:"server,omitempty"`
	Established time.Time `json:"established"`
}

// Live reports whether the handshake has completed and the session has
// not been invalidated since.
func (s *Session) Live() bool {
	return s != nil && !s.Established.IsZero()
}

// Invalidate forgets the session so the next call renegotiates.
func (s *Session) Invalidate() {
	*s = Session{}
}

// SessionError reports a failed session handshake.
type SessionError struct {
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway session: %s: %v", e.Reason, e.Err)
	}
	return "gateway session: " + e.Reason
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
