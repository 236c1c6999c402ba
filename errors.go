package weft

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidCfg = errors.New("weft: invalid options")

	ErrNameInvalid         = errors.New("weft: names must be non-empty and must not contain spaces")
	ErrHandlerNil          = errors.New("weft: handler must not be nil")
	ErrNoChannels          = errors.New("weft: at least one channel subscription is required")
	ErrSubscriptionUnknown = errors.New("weft: no such subscription for channel")

	// ErrStubUnknown means a stub was requested for a name absent from the
	// cache. It is distinct from ServiceNotFoundError: no call was attempted.
	ErrStubUnknown = errors.New("weft: no stub for service")
)

// statusCoder lets handler errors carry the HTTP status a listener should
// answer with.
type statusCoder interface {
	StatusCode() int
}

// ServiceNotFoundError is returned when a name is absent from the cache or
// the registry. It is never retried automatically.
type ServiceNotFoundError struct {
	Name string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("weft: service %q not found", e.Name)
}

func (e *ServiceNotFoundError) StatusCode() int { return http.StatusNotFound }

// RegistrationError means setup, bind or register failed while bringing an
// endpoint up. It is fatal to the endpoint being created; any
// partially-acquired listener has been released before it propagates.
type RegistrationError struct {
	Service string
	Reason  string
	Err     error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("weft: failed to register service %q: %s: %s", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("weft: failed to register service %q: %s", e.Service, e.Reason)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// TransportError wraps a network or timeout failure during an exchange.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("weft: exchange with %s failed: %s", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries a non-success status returned by the remote end of an
// exchange, along with the raw response body.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("weft: remote returned %d: %s", e.Status, e.Body)
}

func (e *RemoteError) StatusCode() int { return e.Status }

// errorStatus maps a handler error to the response status it should produce.
func errorStatus(err error) int {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Status
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}
