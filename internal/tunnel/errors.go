package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthClassification means the identity probe could not tell which
	// access mode the gateway wants. Fatal to that tunnel's startup.
	ErrAuthClassification = errors.New("no legal access_type found (possible value: apikey, session, public)")
	// ErrMissingAPIKey means the gateway wants an api key and none is configured.
	ErrMissingAPIKey = errors.New("no apikey specified")
	// ErrAuthCheck is matched by every *AuthCheckError.
	ErrAuthCheck = errors.New("auth check failed")
	// ErrNoActiveTunnels is returned when not a single tunnel could be started.
	ErrNoActiveTunnels = errors.New("no tunnel could be started")
)

// AuthCheckError is a failed identity check: a transport error or a non-200 answer.
type AuthCheckError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthCheckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth check failed: %v", e.Err)
	}
	return fmt.Sprintf("auth check failed: status %d: %s", e.Status, e.Body)
}

func (e *AuthCheckError) Unwrap() error { return e.Err }

func (e *AuthCheckError) Is(target error) bool { return target == ErrAuthCheck }

// FlowError is a local-socket or WebSocket failure scoped to one flow.
type FlowError struct {
	Flow string
	Op   string
	Err  error
}

func (e *FlowError) Error() string { return fmt.Sprintf("flow %s: %s: %v", e.Flow, e.Op, e.Err) }

func (e *FlowError) Unwrap() error { return e.Err }

// ListenError is a failure to bind the tunnel's local socket.
type ListenError struct {
	Network string
	Addr    string
	Err     error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("listen %s://%s: %v", e.Network, e.Addr, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }
