package chat

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrMissingBody is the protocol error reported when a successful response
// carries no body to stream.
var ErrMissingBody = errors.New("chat: response has no body")

// ErrBusy is returned by send operations on a [Chat] created with
// [WithSingleFlight] while a round is already in flight.
var ErrBusy = errors.New("chat: a round is already in flight")

// ValidationError reports malformed caller input. It is returned
// synchronously, before any state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid %s: %s", e.Field, e.Reason)
}

// TransportError reports a non-2xx response.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat: request failed with status %d: %s", e.StatusCode, e.Body)
}

// NetworkError wraps a failure of the [Fetcher] itself or of reading the
// response stream.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "chat: network: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ToolNotificationError wraps a failure returned by the tool-call handler.
// It is logged and counted, never recorded as a round failure.
type ToolNotificationError struct {
	ToolCallID string
	Name       string
	Err        error
}

func (e *ToolNotificationError) Error() string {
	return fmt.Sprintf("chat: tool call %s (%s): %v", e.ToolCallID, e.Name, e.Err)
}

func (e *ToolNotificationError) Unwrap() error { return e.Err }

// IsDisconnect reports whether err is a connectivity failure: a
// [NetworkError] that wraps a [net.Error] or whose message mentions "fetch"
// or "network".
func IsDisconnect(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	var netErr net.Error
	if errors.As(ne.Err, &netErr) {
		return true
	}
	msg := strings.ToLower(ne.Err.Error())
	return strings.Contains(msg, "fetch") || strings.Contains(msg, "network")
}

// errorKind names err for the transport error metric.
func errorKind(err error) string {
	var te *TransportError
	switch {
	case errors.As(err, &te):
		return "http"
	case errors.Is(err, ErrMissingBody):
		return "protocol"
	case IsDisconnect(err):
		return "disconnect"
	default:
		var ne *NetworkError
		if errors.As(err, &ne) {
			return "network"
		}
		return "other"
	}
}
