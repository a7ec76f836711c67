// Package sse implements the legacy HTTP+SSE client transport: a long-lived
// GET stream delivers server messages, and the first "endpoint" event names
// the URL where the client POSTs its own messages.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent/mcpclient/transport", "sse")

// endpointWaitTimeout bounds how long Start waits for the server to announce
// the POST endpoint.
const endpointWaitTimeout = 30 * time.Second

// Transport reads server events from an SSE stream and posts client messages
// to the endpoint the server announces.
type Transport struct {
	baseURL    string
	httpClient *http.Client

	mu             sync.Mutex
	endpointURL    string
	endpointReady  chan struct{}
	cancelStream   context.CancelFunc
	started        bool
	closed         bool
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

var _ transport.Transport = (*Transport)(nil)

// New creates an SSE transport for the given stream URL.
func New(baseURL string) *Transport {
	return &Transport{
		baseURL:       baseURL,
		httpClient:    http.DefaultClient,
		endpointReady: make(chan struct{}),
	}
}

// WithHTTPClient overrides the HTTP client.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.httpClient = client
	return t
}

// Start opens the event stream and blocks until the server announces the
// POST endpoint or the wait times out.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.Errorf("sse transport already started")
	}
	t.started = true
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelStream = cancel
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Errorf("server returned %d for event stream", resp.StatusCode)
	}

	go t.readLoop(streamCtx, resp.Body)

	select {
	case <-t.endpointReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(endpointWaitTimeout):
		return errors.Errorf("timed out waiting for endpoint event")
	}
}

func (t *Transport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				t.handleEvent(ctx, event, data.String())
			}
			event = ""
			data.Reset()
			continue
		}
		if payload, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(payload)
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(payload))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.reportError(errors.Wrap(err, "event stream read error"))
	}

	t.mu.Lock()
	closeHandler := t.closeHandler
	alreadyClosed := t.closed
	t.mu.Unlock()
	if closeHandler != nil && !alreadyClosed {
		closeHandler()
	}
}

func (t *Transport) handleEvent(ctx context.Context, event, data string) {
	switch event {
	case "endpoint":
		endpoint, err := t.resolveEndpoint(data)
		if err != nil {
			t.reportError(err)
			return
		}
		t.mu.Lock()
		first := t.endpointURL == ""
		t.endpointURL = endpoint
		t.mu.Unlock()
		if first {
			logger.KV(xlog.DEBUG, "status", "endpoint_received", "url", endpoint)
			close(t.endpointReady)
		}
	default:
		// "message" events and untyped events carry JSON-RPC payloads
		msg, ok := transport.ParseMessage([]byte(data))
		if !ok {
			t.reportError(errors.Errorf("failed to parse message: %s", data))
			return
		}
		t.mu.Lock()
		handler := t.messageHandler
		t.mu.Unlock()
		if handler != nil {
			handler(ctx, msg)
		}
	}
}

// resolveEndpoint interprets the announced endpoint relative to the stream URL.
func (t *Transport) resolveEndpoint(endpoint string) (string, error) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid stream url")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid endpoint url: %s", endpoint)
	}
	return base.ResolveReference(ref).String(), nil
}

// Send posts the message to the announced endpoint.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	endpoint := t.endpointURL
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return errors.Errorf("sse transport closed")
	}
	if endpoint == "" {
		return errors.Errorf("endpoint not received yet")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return errors.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	// replies arrive on the event stream, the POST body is drained and ignored
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *Transport) reportError(err error) {
	t.mu.Lock()
	handler := t.errorHandler
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Close stops the event stream. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancelStream
	closeHandler := t.closeHandler
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closeHandler != nil {
		closeHandler()
	}
	return nil
}

// SetCloseHandler implements the Transport interface.
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements the Transport interface.
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements the Transport interface.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
