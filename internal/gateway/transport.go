package gateway

import (
	"context"
	"errors"
)

// ErrSessionExpired is returned by a transport when the server no
// longer recognizes the session the request was sent under.
var ErrSessionExpired = errors.New("gateway session expired")

// Transport carries JSON-RPC messages to the gateway. The session
// argument is the identifier from a previous Send (empty before the
// handshake); the returned string is the identifier the server reports
// for this exchange, or empty if it reported none.
type Transport interface {
	Send(ctx context.Context, session string, req *Request) (*Response, string, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, session string, notif *Notification) error

	// Close releases the transport. For stdio this stops the subprocess.
	Close() error
}
