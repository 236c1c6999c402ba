package weft

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// MessageHandler handles one pub/sub message delivered to a channel.
type MessageHandler func(message any) (any, error)

// HandlerError describes one handler failure during a dispatch.
type HandlerError struct {
	SubscriptionID string `json:"subId"`
	Message        string `json:"error"`
	Status         int    `json:"status"`
}

// DispatchResult aggregates the outcome of delivering one message: the
// return value of each succeeding handler in registration order, and one
// entry per failing handler.
type DispatchResult struct {
	Results []any          `json:"results"`
	Errors  []HandlerError `json:"errors"`
}

type subscriberEntry struct {
	id      string
	handler MessageHandler
}

// subscriptions owns the set of locally-registered channel handlers for one
// subscriber endpoint. A channel is registered with the registry only while
// at least one local handler exists; duplicate registry subscribes are
// suppressed once any handler is present.
type subscriptions struct {
	client   *Client
	logger   *slog.Logger
	msink    metrics.MetricSink
	labels   []metrics.Label
	mu       sync.Mutex
	location string
	channels map[string][]subscriberEntry
	counter  uint64
}

func newSubscriptions(client *Client, location string) *subscriptions {
	return &subscriptions{
		client:   client,
		logger:   client.logger,
		msink:    client.msink,
		labels:   client.cfg.metricLabels,
		location: location,
		channels: make(map[string][]subscriberEntry),
	}
}

// setLocation follows the endpoint when registration re-allocates its port.
func (s *subscriptions) setLocation(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = location
}

// subscribe adds a handler for a channel and returns its subscription id.
// The first handler for a channel registers the channel with the registry;
// that call completes before the handler becomes active.
func (s *subscriptions) subscribe(ctx context.Context, channel string, handler MessageHandler) (string, error) {
	if !validName(channel) {
		return "", ErrNameInvalid
	}
	if handler == nil {
		return "", ErrHandlerNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.channels[channel]) == 0 {
		hdr := buildSubscribeHeaders(channel, s.location, s.client.cfg.registryToken)
		if _, err := s.client.exchange(ctx, s.client.registryURL, hdr, nil); err != nil {
			return "", err
		}
		s.logger.Debug("channel registered", LabelChannel.L(channel))
	}

	s.counter++
	id := fmt.Sprintf("sub-%s-%d-%s", channel, s.counter, uuid.NewString())
	s.channels[channel] = append(s.channels[channel], subscriberEntry{id: id, handler: handler})
	s.logger.Debug("handler added", LabelChannel.L(channel), LabelSubscription.L(id))
	return id, nil
}

// unsubscribe removes one handler. Removing the last handler for a channel
// unregisters the channel from the registry and deletes its entry.
func (s *subscriptions) unsubscribe(ctx context.Context, channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.channels[channel]
	idx := slices.IndexFunc(entries, func(e subscriberEntry) bool { return e.id == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s on %q", ErrSubscriptionUnknown, id, channel)
	}

	entries = slices.Delete(entries, idx, idx+1)
	if len(entries) == 0 {
		delete(s.channels, channel)
		hdr := buildUnsubscribeHeaders(channel, s.location, s.client.cfg.registryToken)
		if _, err := s.client.exchange(ctx, s.client.registryURL, hdr, nil); err != nil {
			return err
		}
		s.logger.Debug("channel unregistered", LabelChannel.L(channel))
	} else {
		s.channels[channel] = entries
	}
	return nil
}

// dispatch delivers one message to every current handler of the channel,
// serially and in registration order. Each handler failure is caught and
// converted to an error entry; nothing propagates to the publisher.
func (s *subscriptions) dispatch(channel string, message any) *DispatchResult {
	s.mu.Lock()
	entries := slices.Clone(s.channels[channel])
	s.mu.Unlock()

	res := &DispatchResult{Results: []any{}, Errors: []HandlerError{}}
	s.msink.IncrCounterWithLabels(MetricWeftDispatchCount, 1, s.labels)

	if len(entries) == 0 {
		res.Errors = append(res.Errors, HandlerError{
			Message: fmt.Sprintf("no handlers for channel %q", channel),
			Status:  404,
		})
		return res
	}

	for _, entry := range entries {
		out, err := runHandler(entry.handler, message)
		if err != nil {
			s.msink.IncrCounterWithLabels(MetricWeftHandlerErrorCount, 1, s.labels)
			s.logger.Error("handler failed",
				LabelChannel.L(channel),
				LabelSubscription.L(entry.id),
				LabelError.L(err),
			)
			res.Errors = append(res.Errors, HandlerError{
				SubscriptionID: entry.id,
				Message:        err.Error(),
				Status:         errorStatus(err),
			})
			continue
		}
		res.Results = append(res.Results, out)
	}
	return res
}

// runHandler isolates one handler invocation: a panicking handler must not
// take down concurrent unrelated deliveries.
func runHandler(handler MessageHandler, message any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("weft: handler panicked: %v", r)
		}
	}()
	return handler(message)
}

// has reports whether the channel currently has local handlers.
func (s *subscriptions) has(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel]) > 0
}

// list returns the active subscription ids per channel.
func (s *subscriptions) list() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.channels))
	for channel, entries := range s.channels {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.id
		}
		out[channel] = ids
	}
	return out
}

// cleanup unsubscribes every channel, best effort: a registry failure on
// one channel is logged and does not prevent attempting the rest.
func (s *subscriptions) cleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for channel := range s.channels {
		hdr := buildUnsubscribeHeaders(channel, s.location, s.client.cfg.registryToken)
		if _, err := s.client.exchange(ctx, s.client.registryURL, hdr, nil); err != nil {
			s.logger.Warn("failed to unsubscribe channel",
				LabelChannel.L(channel),
				LabelError.L(err),
			)
		}
		delete(s.channels, channel)
	}
}
