package weft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// exchange performs one request-response round trip against a target.
//
// Structured bodies (maps, slices, booleans, numbers) are JSON-encoded with
// a matching content type; string and []byte payloads pass through
// unmodified. Responses are JSON-decoded when possible, otherwise returned
// as a trimmed string. Network failures surface as *TransportError,
// non-success statuses as *RemoteError.
func exchange(ctx context.Context, client *http.Client, target string, hdr http.Header, body any) (any, error) {
	if hdr == nil {
		hdr = http.Header{}
	}

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("weft: encode request body: %w", err)
		}
		rd = bytes.NewReader(buf)
		if hdr.Get("Content-Type") == "" {
			hdr.Set("Content-Type", "application/json")
		}
	}

	url := target
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	for key, vals := range hdr {
		req.Header[key] = vals
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &RemoteError{Status: resp.StatusCode, Body: string(raw)}
	}
	return decodeBody(raw), nil
}

func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return strings.Trim(string(trimmed), `"`)
	}
	return v
}

// remarshal converts a decoded JSON value into a typed structure.
func remarshal(v any, into any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, into)
}

// inboundHandler receives the parsed request body and a header accessor and
// returns the response value: a structured value (JSON-encoded), a raw
// []byte payload, a plain string, or nil for no content.
type inboundHandler func(payload any, hdr http.Header) (any, error)

type listenerConfig struct {
	rawPayload bool
	limiter    *rate.Limiter
	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
}

// listener is an endpoint's single inbound boundary. Each request runs on
// its own goroutine; the handler can be swapped while serving.
type listener struct {
	port   int
	cfg    listenerConfig
	srv    *http.Server
	ln     net.Listener
	mu     sync.RWMutex
	inner  inboundHandler
	closed bool
}

func newListener(port int, handler inboundHandler, cfg listenerConfig) (*listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	l := &listener{
		port:  port,
		cfg:   cfg,
		ln:    ln,
		inner: handler,
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(l.serve)}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.logger.Error("listener stopped unexpectedly", LabelError.L(err))
		}
	}()
	return l, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func (l *listener) handler() inboundHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inner
}

func (l *listener) setHandler(h inboundHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner = h
}

func (l *listener) serve(w http.ResponseWriter, r *http.Request) {
	if l.cfg.limiter != nil && !l.cfg.limiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	var payload any
	if l.cfg.rawPayload {
		payload = raw
	} else {
		payload = decodeBody(raw)
	}

	l.cfg.msink.IncrCounterWithLabels(MetricWeftInboundCount, 1, l.cfg.labels)

	result, err := l.handler()(payload, r.Header)
	if err != nil {
		status := errorStatus(err)
		l.cfg.msink.IncrCounterWithLabels(MetricWeftInboundErrorCount, 1, l.cfg.labels)
		l.cfg.logger.Error("handler failed", LabelError.L(err))
		writeJSONError(w, status, err.Error())
		return
	}

	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, result any) {
	switch res := result.(type) {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case []byte:
		w.Write(res)
	case string:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, res)
	default:
		buf, err := json.Marshal(res)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(buf)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (l *listener) close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.srv.Shutdown(ctx)
}
