package weft

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// handlerChain is the swappable user-facing part of an endpoint's inbound
// path. The cache-update interceptor stays in front of it permanently;
// `Service.Before` only ever replaces what runs behind the interceptor.
type handlerChain struct {
	mu    sync.RWMutex
	inner inboundHandler
}

func (hc *handlerChain) invoke(payload any, hdr http.Header) (any, error) {
	hc.mu.RLock()
	inner := hc.inner
	hc.mu.RUnlock()
	return inner(payload, hdr)
}

func (hc *handlerChain) set(h inboundHandler) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.inner = h
}

// cacheInterceptor inspects every inbound request for a cache-update push
// from the registry. Updates are applied to the discovery cache and
// acknowledged without invoking the user handler; everything else passes
// through unmodified.
func (c *Client) cacheInterceptor(cache *Cache, next inboundHandler) inboundHandler {
	return func(payload any, hdr http.Header) (any, error) {
		frame := ParseFrame(hdr)
		if frame.Command != CommandCacheUpdate {
			return next(payload, hdr)
		}

		// The registry sends the literal string "undefined" for fields it
		// has no value for.
		switch {
		case frame.Channel != "" && frame.Channel != "undefined":
			cache.AddSubscriber(frame.Channel, frame.ServiceLocation)
		case frame.ServiceName != "" && frame.ServiceName != "undefined":
			cache.AddService(frame.ServiceName, frame.ServiceLocation)
		}

		c.msink.IncrCounterWithLabels(MetricWeftCacheUpdateCount, 1, c.cfg.metricLabels)
		c.logger.Debug("cache update applied",
			LabelChannel.L(frame.Channel),
			LabelService.L(frame.ServiceName),
			LabelLocation.L(frame.ServiceLocation),
		)

		return map[string]any{
			"status":       "cache_updated",
			"subscription": frame.Channel,
			"service":      frame.ServiceName,
			"location":     frame.ServiceLocation,
		}, nil
	}
}

type endpointParts struct {
	location string
	port     int
	ln       *listener
	snapshot Snapshot
}

// establish walks an endpoint through the registration lifecycle: ask the
// registry for a location, bind the allocated port (requesting a fresh
// allocation when the port is taken, up to the retry ceiling), then
// register and collect the topology snapshot. On any failure the
// partially-acquired listener is released before the error propagates.
func (c *Client) establish(ctx context.Context, name string, scfg *serviceConfig, handler inboundHandler, onRelocate func(location string)) (*endpointParts, error) {
	home := c.home()

	location, port, err := c.setup(ctx, name, home)
	if err != nil {
		return nil, &RegistrationError{Service: name, Reason: "setup failed", Err: err}
	}

	lcfg := listenerConfig{
		rawPayload: scfg.rawPayload,
		limiter:    scfg.limiter,
		logger:     c.logger,
		msink:      c.msink,
		labels:     c.cfg.metricLabels,
	}

	var ln *listener
	attempts := 0
	for ln == nil {
		ln, err = newListener(port, handler, lcfg)
		if err == nil {
			break
		}
		if !isAddrInUse(err) {
			return nil, &RegistrationError{Service: name, Reason: "bind failed", Err: err}
		}

		attempts++
		c.msink.IncrCounterWithLabels(MetricWeftSetupRetryCount, 1, c.cfg.metricLabels)
		if attempts >= c.cfg.retryLimit {
			return nil, &RegistrationError{
				Service: name,
				Reason:  fmt.Sprintf("failed to allocate a free port after %d attempts", attempts),
			}
		}

		c.logger.Debug("allocated port in use, requesting a new location",
			LabelService.L(name),
			LabelLocation.L(location),
		)
		location, port, err = c.setup(ctx, name, home)
		if err != nil {
			return nil, &RegistrationError{Service: name, Reason: "setup failed", Err: err}
		}
		if onRelocate != nil {
			onRelocate(location)
		}
	}

	hdr := buildRegisterHeaders(name, location, scfg.authService, c.cfg.registryToken)
	out, err := c.exchange(ctx, c.registryURL, hdr, nil)
	if err != nil {
		ln.close(ctx)
		return nil, &RegistrationError{Service: name, Reason: "register failed", Err: err}
	}

	var snap Snapshot
	if out != nil {
		if err := remarshal(out, &snap); err != nil {
			ln.close(ctx)
			return nil, &RegistrationError{Service: name, Reason: "unexpected register response", Err: err}
		}
	}

	return &endpointParts{location: location, port: port, ln: ln, snapshot: snap}, nil
}

// Service is a registered weft RPC service: a running listener, its
// discovery cache, and the context its handler executes with.
type Service struct {
	name     string
	location string
	port     int

	client *Client
	cache  *Cache
	sctx   *Context
	ln     *listener
	chain  *handlerChain
	base   inboundHandler

	mu         sync.Mutex
	terminated bool
}

// CreateService registers a service under the given name and starts
// serving the handler. The returned Service keeps running until
// `Terminate` is called.
func (c *Client) CreateService(ctx context.Context, name string, handler Handler, opts ...ServiceOption) (*Service, error) {
	if !validName(name) {
		return nil, ErrNameInvalid
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}

	var scfg serviceConfig
	for _, opt := range opts {
		if err := opt(&scfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	cache := scfg.cache
	if cache == nil {
		cache = NewCache()
	}
	sctx := &Context{name: name, client: c, cache: cache}

	base := func(payload any, _ http.Header) (any, error) {
		return handler(sctx, payload)
	}
	chain := &handlerChain{inner: base}

	parts, err := c.establish(ctx, name, &scfg, c.cacheInterceptor(cache, chain.invoke), nil)
	if err != nil {
		return nil, err
	}
	cache.ReplaceAll(parts.snapshot)

	c.logger.Info("service running",
		LabelService.L(name),
		LabelLocation.L(parts.location),
	)

	return &Service{
		name:     name,
		location: parts.location,
		port:     parts.port,
		client:   c,
		cache:    cache,
		sctx:     sctx,
		ln:       parts.ln,
		chain:    chain,
		base:     base,
	}, nil
}

// Name returns the service's registered name.
func (s *Service) Name() string { return s.name }

// Location returns the externally-reachable address allocated by the
// registry.
func (s *Service) Location() string { return s.location }

// Port returns the locally-bound port.
func (s *Service) Port() int { return s.port }

// Context returns the execution context passed to the service's handler.
func (s *Service) Context() *Context { return s.sctx }

// Cache returns the service's discovery cache.
func (s *Service) Cache() *Cache { return s.cache }

// Before installs a preprocessing step that runs before the main handler.
// It may transform the payload; returning a nil value short-circuits the
// request with no content instead of invoking the main handler. Only one
// preprocessing step is supported: installing another replaces the first.
// Cache-update pushes are intercepted before any preprocessing.
func (s *Service) Before(fn Handler) {
	base := s.base
	s.chain.set(func(payload any, hdr http.Header) (any, error) {
		out, err := fn(s.sctx, payload)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return base(out, hdr)
	})
}

// Terminate unregisters the service and stops its listener. A registry
// failure is logged and swallowed: termination always completes locally.
// Calling Terminate again is a no-op.
func (s *Service) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	s.client.logger.Info("terminating service", LabelService.L(s.name))

	hdr := buildUnregisterHeaders(s.name, s.location, s.client.cfg.registryToken)
	if _, err := s.client.exchange(ctx, s.client.registryURL, hdr, nil); err != nil {
		s.client.logger.Error("failed to unregister from registry",
			LabelService.L(s.name),
			LabelError.L(err),
		)
	}

	s.cache.RemoveService(s.name, s.location)
	return s.ln.close(ctx)
}
