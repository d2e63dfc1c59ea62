package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/jg-phare/wirerpc/pkg/types"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrAlreadyConnected  = errors.New("session already connected")
	ErrConnectionClosed  = errors.New("connection closed by peer")
	ErrDuplicateID       = errors.New("request id already pending")
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// RequestTimeoutError reports a call whose response did not arrive in time.
type RequestTimeoutError struct {
	Method  string
	ID      types.ID
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %s (id %s) timed out after %s", e.Method, e.ID, e.Timeout)
}

// ConnectionTimeoutError reports a connect that did not complete in time.
type ConnectionTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to %s timed out after %s", e.URL, e.Timeout)
}

// HeartbeatTimeoutError rejects calls written to a connection that stopped
// answering pings.
type HeartbeatTimeoutError struct {
	Unanswered int
	Since      time.Time
}

func (e *HeartbeatTimeoutError) Error() string {
	return fmt.Sprintf("heartbeat timeout: %d pings unanswered since %s", e.Unanswered, e.Since.Format(time.RFC3339Nano))
}

// QueueFullError reports a message rejected because the outbound queue is at
// its limit.
type QueueFullError struct {
	Limit  int
	Method string
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("outbound queue full (%d messages), dropping %s", e.Limit, e.Method)
}

// ReconnectionExhaustedError rejects calls still pending when the reconnect
// ceiling is reached.
type ReconnectionExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ReconnectionExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("reconnection failed after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("reconnection failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ReconnectionExhaustedError) Unwrap() error { return e.LastErr }

// CallError wraps every failure of a call with the method and id it was for.
// The cause is one of the error kinds above, a context error, or a
// *types.RPCError returned by the peer.
type CallError struct {
	Method string
	ID     types.ID
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s (id %s): %v", e.Method, e.ID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
