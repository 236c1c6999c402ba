package weft

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

type config struct {
	httpClient    *http.Client
	timeout       time.Duration
	registryToken string
	authToken     string
	advertiseHost string
	retryLimit    int
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
}

// Option to pass to `New`.
type Option func(*config) error

// WithRegistryToken attaches an opaque credential to every registry
// exchange. The token is passed through as-is; validating it is the
// registry's business.
func WithRegistryToken(token string) Option {
	return func(c *config) error {
		c.registryToken = token
		return nil
	}
}

// WithAuthToken attaches an auth token to registry-mediated calls against
// protected services.
func WithAuthToken(token string) Option {
	return func(c *config) error {
		c.authToken = token
		return nil
	}
}

// WithExchangeTimeout bounds how long one exchange may take before failing
// with a TransportError.
func WithExchangeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: exchange timeout must be positive", ErrInvalidCfg)
		}
		c.timeout = timeout
		return nil
	}
}

// WithHTTPClient swaps the underlying HTTP client. It takes precedence over
// WithExchangeTimeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) error {
		if client == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidCfg)
		}
		c.httpClient = client
		return nil
	}
}

// WithAdvertiseHost overrides the externally-reachable host sent during
// setup. By default the host is derived from the registry URL.
func WithAdvertiseHost(host string) Option {
	return func(c *config) error {
		c.advertiseHost = host
		return nil
	}
}

// WithRetryLimit caps how many fresh allocations are requested when the
// registry hands out ports that turn out to be in use.
func WithRetryLimit(limit int) Option {
	return func(c *config) error {
		if limit <= 0 {
			return fmt.Errorf("%w: retry limit must be positive", ErrInvalidCfg)
		}
		c.retryLimit = limit
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics emitted by
// the client core.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all emitted metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

type serviceConfig struct {
	name        string
	cache       *Cache
	authService string
	rawPayload  bool
	limiter     *rate.Limiter
}

// ServiceOption to pass to `CreateService` or `CreateSubscription`.
type ServiceOption func(*serviceConfig) error

// WithSharedCache makes the endpoint reuse a pre-created discovery cache
// instead of owning a fresh one. All cache invariants keep holding across
// the sharing endpoints.
func WithSharedCache(cache *Cache) ServiceOption {
	return func(c *serviceConfig) error {
		if cache == nil {
			return fmt.Errorf("%w: nil shared cache", ErrInvalidCfg)
		}
		c.cache = cache
		return nil
	}
}

// WithAuthService designates the auth service protecting this endpoint;
// the registry validates inbound calls against it.
func WithAuthService(name string) ServiceOption {
	return func(c *serviceConfig) error {
		c.authService = name
		return nil
	}
}

// WithRawPayload passes the raw request body to the handler as []byte
// instead of a decoded JSON value.
func WithRawPayload() ServiceOption {
	return func(c *serviceConfig) error {
		c.rawPayload = true
		return nil
	}
}

// WithRequestLimit puts a token bucket in front of the endpoint's listener;
// requests beyond the sustained rate r (with the given burst) are answered
// with 429.
func WithRequestLimit(r float64, burst int) ServiceOption {
	return func(c *serviceConfig) error {
		if r <= 0 || burst <= 0 {
			return fmt.Errorf("%w: request limit must be positive", ErrInvalidCfg)
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
		return nil
	}
}

// WithSubscriberName names a subscription endpoint explicitly instead of
// generating one from its first channel.
func WithSubscriberName(name string) ServiceOption {
	return func(c *serviceConfig) error {
		if !validName(name) {
			return ErrNameInvalid
		}
		c.name = name
		return nil
	}
}
