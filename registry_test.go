package weft

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// fakeRegistry implements the registry side of the command protocol for
// tests: it allocates real free ports during setup, records every command
// it sees, and serves a configurable topology snapshot on register.
type fakeRegistry struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	counts registryCounts

	allocate        func() string
	snapshot        Snapshot
	failRegister    bool
	failUnsubscribe bool
	failRoute       bool
	channels        []string
	frames          []Frame
	published       []any
}

// registryCounts is how many times the registry saw each command.
type registryCounts struct {
	setup       int
	register    int
	unregister  int
	subscribe   int
	unsubscribe int
	publish     int
	call        int
	route       int
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	reg := &fakeRegistry{t: t}
	reg.allocate = func() string {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	}
	reg.srv = httptest.NewServer(http.HandlerFunc(reg.serve))
	t.Cleanup(reg.srv.Close)
	return reg
}

func (reg *fakeRegistry) URL() string { return reg.srv.URL }

func (reg *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	frame := ParseFrame(r.Header)
	body, _ := io.ReadAll(r.Body)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.frames = append(reg.frames, frame)

	switch frame.Command {
	case CommandServiceSetup:
		reg.counts.setup++
		writeResult(w, reg.allocate())
	case CommandServiceRegister:
		if reg.failRegister {
			writeJSONError(w, http.StatusInternalServerError, "registry exploded")
			return
		}
		reg.counts.register++
		writeResult(w, reg.snapshot)
	case CommandServiceUnregister:
		reg.counts.unregister++
		w.WriteHeader(http.StatusNoContent)
	case CommandSubscribe:
		reg.counts.subscribe++
		reg.channels = append(reg.channels, frame.Channel)
		w.WriteHeader(http.StatusNoContent)
	case CommandUnsubscribe:
		if reg.failUnsubscribe {
			writeJSONError(w, http.StatusInternalServerError, "registry exploded")
			return
		}
		reg.counts.unsubscribe++
		w.WriteHeader(http.StatusNoContent)
	case CommandPublish:
		reg.counts.publish++
		reg.published = append(reg.published, decodeBody(body))
		writeResult(w, DispatchResult{Results: []any{}, Errors: []HandlerError{}})
	case CommandServiceCall:
		reg.counts.call++
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	case CommandRouteRegister:
		if reg.failRoute {
			writeJSONError(w, http.StatusInternalServerError, "registry exploded")
			return
		}
		reg.counts.route++
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown command")
	}
}

func (reg *fakeRegistry) stats() registryCounts {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counts
}

func (reg *fakeRegistry) seenChannels() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]string(nil), reg.channels...)
}

func (reg *fakeRegistry) seenFrames() []Frame {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]Frame(nil), reg.frames...)
}

func (reg *fakeRegistry) seenPublished() []any {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]any(nil), reg.published...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, reg *fakeRegistry, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLog(quietLogger().Handler()),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	c, err := New(reg.URL(), opts...)
	require.NoError(t, err)
	return c
}

func testListenerConfig() listenerConfig {
	return listenerConfig{
		logger: quietLogger(),
		msink:  &metrics.BlackholeSink{},
	}
}
