package weft

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New("http://registry:3000", WithRetryLimit(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New("http://registry:3000", WithHTTPClient(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New("http://registry:3000", WithExchangeTimeout(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New("http://registry:3000", WithExchangeTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestClient_ConcurrentExchangesShareLabels(t *testing.T) {
	reg := newFakeRegistry(t)
	// Spare capacity on the configured slice is the dangerous case: an
	// exchange appending its command label in place would write into the
	// backing array every other exchange reads.
	shared := make([]metrics.Label, 1, 8)
	shared[0] = LabelService.M("caller")
	client := testClient(t, reg, WithMetricLabels(shared))

	var wg sync.WaitGroup
	for _i := 0; _i < 4; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _i := 0; _i < 25; _i++ {
				if _, err := client.Call(context.Background(), "users", nil); err != nil {
					t.Error(err)
				}
				if _, err := client.Publish(context.Background(), "user.created", nil); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, []metrics.Label{LabelService.M("caller")}, shared,
		"the configured labels are never written through")
}

func TestServiceOption_Validation(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg)
	ctx := context.Background()

	handler := func(sc *Context, payload any) (any, error) { return nil, nil }

	_, err := client.CreateService(ctx, "echo", handler, WithRequestLimit(-1, 0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = client.CreateService(ctx, "echo", handler, WithSharedCache(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = client.CreateSubscription(ctx, map[string]MessageHandler{
		"jobs": func(any) (any, error) { return nil, nil },
	}, WithSubscriberName("bad name"))
	require.ErrorIs(t, err, ErrNameInvalid)
}

func TestClient_Call(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg, WithAuthToken("jwt-1"))

	out, err := client.Call(context.Background(), "users", map[string]any{"id": 7})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": float64(7)}, out)

	frames := reg.seenFrames()
	require.Len(t, frames, 1)
	require.Equal(t, CommandServiceCall, frames[0].Command)
	require.Equal(t, "users", frames[0].ServiceName)

	_, err = client.Call(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrNameInvalid)
}

func TestClient_Publish(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg)

	res, err := client.Publish(context.Background(), "user.created", map[string]any{"id": 7})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Empty(t, res.Errors)
	require.Equal(t, []any{map[string]any{"id": float64(7)}}, reg.seenPublished())

	_, err = client.Publish(context.Background(), "bad channel", nil)
	require.ErrorIs(t, err, ErrNameInvalid)
}

func TestClient_CreateRoute(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg)
	ctx := context.Background()

	require.NoError(t, client.CreateRoute(ctx, "/api/users", "users"))
	require.Equal(t, 1, reg.stats().route)

	frames := reg.seenFrames()
	require.Equal(t, "/api/users", frames[0].RoutePath)
	require.Equal(t, DefaultRouteDataType, frames[0].RouteDataType)
	require.Equal(t, DefaultRouteType, frames[0].RouteType)

	require.NoError(t, client.CreateRoute(ctx, "/admin", "users",
		WithRouteDataType("text/html"), WithRouteType("controller")))
	frames = reg.seenFrames()
	require.Equal(t, "text/html", frames[1].RouteDataType)
	require.Equal(t, "controller", frames[1].RouteType)

	require.ErrorIs(t, client.CreateRoute(ctx, "", "users"), ErrNameInvalid)
	require.ErrorIs(t, client.CreateRoute(ctx, "/x", ""), ErrNameInvalid)
}

func TestClient_CreateRouteService(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg)
	ctx := context.Background()

	svc, err := client.CreateRouteService(ctx, "/api/echo", "echo", func(sc *Context, payload any) (any, error) {
		return payload, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, reg.stats().route)
	require.NoError(t, svc.Terminate(ctx))
}

func TestClient_CreateRouteServiceCleansUpOnRouteFailure(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.failRoute = true
	client := testClient(t, reg)

	port := freePort(t)
	reg.allocate = func() string {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	}

	_, err := client.CreateRouteService(context.Background(), "/api/echo", "echo", func(sc *Context, payload any) (any, error) {
		return payload, nil
	})
	require.Error(t, err)
	require.Equal(t, 1, reg.stats().unregister, "the half-built service is torn down")

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "the listener is released with it")
	ln.Close()
}

func TestClient_AdvertiseHost(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg, WithAdvertiseHost("http://edge.example.com"))
	ctx := context.Background()

	svc, err := client.CreateService(ctx, "echo", func(sc *Context, payload any) (any, error) {
		return payload, nil
	})
	require.NoError(t, err)
	defer svc.Terminate(ctx)

	frames := reg.seenFrames()
	require.Equal(t, CommandServiceSetup, frames[0].Command)
	require.Equal(t, "http://edge.example.com", frames[0].ServiceHome)
}

func TestClient_DefaultHomeStripsPort(t *testing.T) {
	reg := newFakeRegistry(t)
	client := testClient(t, reg)
	ctx := context.Background()

	svc, err := client.CreateService(ctx, "echo", func(sc *Context, payload any) (any, error) {
		return payload, nil
	})
	require.NoError(t, err)
	defer svc.Terminate(ctx)

	frames := reg.seenFrames()
	require.Equal(t, "http://127.0.0.1", frames[0].ServiceHome,
		"the announced home is the registry host minus its port")
}
