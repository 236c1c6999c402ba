package weft

import (
	"context"
	"fmt"
)

// Handler handles one inbound request for a service. The framework always
// passes the service's Context as the first argument; payload is the
// decoded request body ([]byte when the endpoint uses WithRawPayload).
type Handler func(sc *Context, payload any) (any, error)

// Stub is a callable bound to a specific cached service name, sugar over
// `Context.Call`.
type Stub func(ctx context.Context, payload any) (any, error)

// Context is the execution context handed to service handlers. It gives
// them cached peer-to-peer calls, pub/sub publishing, and stub resolution.
type Context struct {
	name   string
	client *Client
	cache  *Cache
}

// ServiceName returns the name of the owning endpoint.
func (sc *Context) ServiceName() string { return sc.name }

// Cache returns the endpoint's discovery cache.
func (sc *Context) Cache() *Cache { return sc.cache }

// Call invokes another service using its cached location, bypassing the
// registry. A name absent from the cache fails with *ServiceNotFoundError;
// there is no registry fallback on this path — callers who want one use
// `Client.Call`.
func (sc *Context) Call(ctx context.Context, name string, payload any) (any, error) {
	if !sc.cache.HasService(name) {
		return nil, &ServiceNotFoundError{Name: name}
	}
	location, ok := sc.cache.PickLocation(name)
	if !ok {
		return nil, &ServiceNotFoundError{Name: name}
	}

	sc.client.logger.Debug("direct call",
		LabelService.L(name),
		LabelLocation.L(location),
	)
	return sc.client.exchange(ctx, location, nil, payload)
}

// Publish delivers a message to every subscriber of a channel via the
// registry.
func (sc *Context) Publish(ctx context.Context, channel string, message any) (*DispatchResult, error) {
	return sc.client.Publish(ctx, channel, message)
}

// Stub returns an invocable bound to a cached service name. Resolving a
// name absent from the cache fails with ErrStubUnknown: no call was
// attempted, there is simply no such stub.
func (sc *Context) Stub(name string) (Stub, error) {
	if !sc.cache.HasService(name) {
		return nil, fmt.Errorf("%w: %q", ErrStubUnknown, name)
	}
	return func(ctx context.Context, payload any) (any, error) {
		return sc.Call(ctx, name, payload)
	}, nil
}
