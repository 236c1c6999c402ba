package weft

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a registered subscriber endpoint: a running listener fed
// by registry pub/sub deliveries, its channel handlers, and its discovery
// cache.
type Subscription struct {
	name     string
	location string
	port     int
	channels []string

	client *Client
	cache  *Cache
	sctx   *Context
	subs   *subscriptions
	ln     *listener

	mu         sync.Mutex
	terminated bool
}

// CreateSubscription registers a subscriber endpoint handling the given
// channel → handler map. Handlers react to published messages rather than
// answering direct calls, but can still call other services and publish
// through the endpoint's Context.
func (c *Client) CreateSubscription(ctx context.Context, handlers map[string]MessageHandler, opts ...ServiceOption) (*Subscription, error) {
	if len(handlers) == 0 {
		return nil, ErrNoChannels
	}
	for channel, handler := range handlers {
		if !validName(channel) {
			return nil, fmt.Errorf("%w: channel %q", ErrNameInvalid, channel)
		}
		if handler == nil {
			return nil, fmt.Errorf("%w: channel %q", ErrHandlerNil, channel)
		}
	}

	var scfg serviceConfig
	for _, opt := range opts {
		if err := opt(&scfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	channels := make([]string, 0, len(handlers))
	for channel := range handlers {
		channels = append(channels, channel)
	}
	slices.Sort(channels)

	name := scfg.name
	if name == "" {
		name = fmt.Sprintf("sub-%s-%s",
			strings.ReplaceAll(channels[0], ".", "-"),
			uuid.NewString()[:8],
		)
	}

	cache := scfg.cache
	if cache == nil {
		cache = NewCache()
	}
	sctx := &Context{name: name, client: c, cache: cache}
	subs := newSubscriptions(c, "")

	inner := func(payload any, hdr http.Header) (any, error) {
		frame := ParseFrame(hdr)
		if frame.Command == CommandPublish {
			if frame.Channel != "" && subs.has(frame.Channel) {
				return subs.dispatch(frame.Channel, payload), nil
			}
			c.logger.Warn("message for unknown channel", LabelChannel.L(frame.Channel))
			return map[string]any{
				"error": fmt.Sprintf("no handler for channel %q", frame.Channel),
			}, nil
		}
		return map[string]any{
			"error": "subscription endpoints only accept pub/sub deliveries",
		}, nil
	}

	parts, err := c.establish(ctx, name, &scfg, c.cacheInterceptor(cache, inner), subs.setLocation)
	if err != nil {
		return nil, err
	}
	subs.setLocation(parts.location)
	cache.ReplaceAll(parts.snapshot)

	sub := &Subscription{
		name:     name,
		location: parts.location,
		port:     parts.port,
		channels: channels,
		client:   c,
		cache:    cache,
		sctx:     sctx,
		subs:     subs,
		ln:       parts.ln,
	}

	for _, channel := range channels {
		if _, err := subs.subscribe(ctx, channel, handlers[channel]); err != nil {
			if terr := sub.Terminate(ctx); terr != nil {
				c.logger.Error("failed to clean up subscription", LabelError.L(terr))
			}
			return nil, err
		}
	}

	c.logger.Info("subscription running",
		LabelService.L(name),
		LabelLocation.L(parts.location),
		LabelChannel.L(strings.Join(channels, ",")),
	)
	return sub, nil
}

// Name returns the endpoint's registered name.
func (s *Subscription) Name() string { return s.name }

// Location returns the externally-reachable address allocated by the
// registry.
func (s *Subscription) Location() string { return s.location }

// Port returns the locally-bound port.
func (s *Subscription) Port() int { return s.port }

// Channels returns the channels subscribed at creation.
func (s *Subscription) Channels() []string { return slices.Clone(s.channels) }

// Context returns the endpoint's execution context.
func (s *Subscription) Context() *Context { return s.sctx }

// Cache returns the endpoint's discovery cache.
func (s *Subscription) Cache() *Cache { return s.cache }

// Subscribe adds another handler for a channel at runtime and returns its
// subscription id.
func (s *Subscription) Subscribe(ctx context.Context, channel string, handler MessageHandler) (string, error) {
	return s.subs.subscribe(ctx, channel, handler)
}

// Unsubscribe removes one handler by id.
func (s *Subscription) Unsubscribe(ctx context.Context, channel, id string) error {
	return s.subs.unsubscribe(ctx, channel, id)
}

// Subscriptions lists the active subscription ids per channel.
func (s *Subscription) Subscriptions() map[string][]string {
	return s.subs.list()
}

// Terminate unsubscribes every channel, unregisters the endpoint, and
// stops its listener. Registry failures are logged and swallowed:
// termination always completes locally. Calling Terminate again is a
// no-op.
func (s *Subscription) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	s.client.logger.Info("terminating subscription", LabelService.L(s.name))

	s.subs.cleanup(ctx)

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
