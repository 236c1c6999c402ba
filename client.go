package weft

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

const defaultRetryLimit = 50

var trailingPort = regexp.MustCompile(`:\d+$`)

// Client speaks the weft command protocol with one registry. It is the
// entry point for registry-mediated calls, publishing, route registration
// and for bringing services and subscribers up.
//
// A Client is safe for concurrent use.
type Client struct {
	registryURL string
	cfg         config
	http        *http.Client
	logger      *slog.Logger
	msink       metrics.MetricSink
}

// New creates a Client against the given registry URL.
func New(registryURL string, opts ...Option) (*Client, error) {
	if registryURL == "" {
		return nil, fmt.Errorf("%w: registry URL is required", ErrInvalidCfg)
	}

	c := &Client{registryURL: registryURL}
	c.cfg.timeout = 30 * time.Second
	c.cfg.retryLimit = defaultRetryLimit

	for _, opt := range opts {
		if err := opt(&c.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.cfg.logHandler != nil {
		c.logger = slog.New(c.cfg.logHandler)
	} else {
		c.logger = slog.Default()
	}

	if c.cfg.msink != nil {
		c.msink = c.cfg.msink
	} else {
		c.msink = metrics.Default()
	}

	if c.cfg.httpClient != nil {
		c.http = c.cfg.httpClient
	} else {
		c.http = &http.Client{Timeout: c.cfg.timeout}
	}

	return c, nil
}

// Call invokes a service by name through the registry. The registry owns
// lookup, load balancing and auth validation on this path; use
// `Context.Call` from inside a running service for direct cached calls.
func (c *Client) Call(ctx context.Context, name string, payload any) (any, error) {
	if !validName(name) {
		return nil, ErrNameInvalid
	}
	return c.exchange(ctx, c.registryURL, buildCallHeaders(name, c.cfg.authToken), payload)
}

// Publish delivers a message to every subscriber of a channel and returns
// the aggregated results the registry collected.
func (c *Client) Publish(ctx context.Context, channel string, message any) (*DispatchResult, error) {
	if !validName(channel) {
		return nil, ErrNameInvalid
	}
	out, err := c.exchange(ctx, c.registryURL, buildPublishHeaders(channel, c.cfg.registryToken), message)
	if err != nil {
		return nil, err
	}
	var res DispatchResult
	if err := remarshal(out, &res); err != nil {
		return nil, fmt.Errorf("weft: unexpected publish response: %w", err)
	}
	return &res, nil
}

// RouteOption to pass to `CreateRoute`.
type RouteOption func(*routeConfig) error

type routeConfig struct {
	dataType  string
	routeType string
}

// WithRouteDataType overrides the content type registered for the route.
func WithRouteDataType(dataType string) RouteOption {
	return func(c *routeConfig) error {
		c.dataType = dataType
		return nil
	}
}

// WithRouteType overrides the route kind ("route" or "controller").
func WithRouteType(routeType string) RouteOption {
	return func(c *routeConfig) error {
		c.routeType = routeType
		return nil
	}
}

// CreateRoute maps a gateway URL path to an already-registered service, so
// it can be reached at the path in addition to by name.
func (c *Client) CreateRoute(ctx context.Context, path, serviceName string, opts ...RouteOption) error {
	if path == "" {
		return fmt.Errorf("%w: empty route path", ErrNameInvalid)
	}
	if !validName(serviceName) {
		return ErrNameInvalid
	}

	rc := routeConfig{dataType: DefaultRouteDataType, routeType: DefaultRouteType}
	for _, opt := range opts {
		if err := opt(&rc); err != nil {
			return err
		}
	}

	hdr := buildRouteRegisterHeaders(serviceName, path, rc.dataType, rc.routeType, c.cfg.registryToken)
	if _, err := c.exchange(ctx, c.registryURL, hdr, nil); err != nil {
		return err
	}

	c.logger.Info("route registered", LabelRoutePath.L(path), LabelService.L(serviceName))
	return nil
}

// CreateRouteService creates and registers a service for the handler, then
// maps the path to it. The service is torn down if the route registration
// fails.
func (c *Client) CreateRouteService(ctx context.Context, path, name string, handler Handler, opts ...RouteOption) (*Service, error) {
	svc, err := c.CreateService(ctx, name, handler)
	if err != nil {
		return nil, err
	}
	if err := c.CreateRoute(ctx, path, name, opts...); err != nil {
		if terr := svc.Terminate(ctx); terr != nil {
			c.logger.Error("failed to clean up service after route failure", LabelError.L(terr))
		}
		return nil, err
	}
	return svc, nil
}

// exchange wraps the transport-level exchange with telemetry.
func (c *Client) exchange(ctx context.Context, target string, hdr http.Header, body any) (any, error) {
	labels := c.cfg.metricLabels
	if hdr != nil {
		if cmd := hdr.Get(headerCommand); cmd != "" {
			// Clip before appending: the configured slice is shared by
			// every concurrent exchange and must never be written through.
			labels = append(slices.Clip(labels), LabelCommand.M(cmd))
		}
	}

	start := time.Now()
	out, err := exchange(ctx, c.http, target, hdr, body)
	c.msink.IncrCounterWithLabels(MetricWeftExchangeCount, 1, labels)
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricWeftExchangeErrorCount, 1, labels)
		c.logger.Debug("exchange failed",
			LabelError.L(err),
			LabelDuration.L(time.Since(start)),
		)
		return nil, err
	}
	return out, nil
}

// setup asks the registry to allocate a location for the named service and
// returns it along with the port we must bind.
func (c *Client) setup(ctx context.Context, name, home string) (string, int, error) {
	out, err := c.exchange(ctx, c.registryURL, buildSetupHeaders(name, home, c.cfg.registryToken), nil)
	if err != nil {
		return "", 0, err
	}

	location, ok := out.(string)
	if !ok || location == "" {
		return "", 0, fmt.Errorf("weft: unexpected setup response %v", out)
	}

	idx := strings.LastIndex(location, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("weft: allocated location %q has no port", location)
	}
	port, err := strconv.Atoi(location[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("weft: allocated location %q has no port: %w", location, err)
	}
	return location, port, nil
}

// home returns the externally-reachable host announced during setup,
// without the port the registry is about to allocate.
func (c *Client) home() string {
	if c.cfg.advertiseHost != "" {
		return c.cfg.advertiseHost
	}
	return trailingPort.ReplaceAllString(c.registryURL, "")
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, " ")
}
