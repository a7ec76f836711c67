// Package streamhttp implements the streamable HTTP client transport: each
// JSON-RPC message is POSTed to the server endpoint and the reply, either a
// plain JSON body or a short SSE-framed stream, is dispatched back through
// the message handler.
package streamhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent/mcpclient/transport", "streamhttp")

const sessionIDHeader = "Mcp-Session-Id"

// Transport posts messages to a streamable HTTP MCP endpoint.
type Transport struct {
	baseURL    string
	httpClient *http.Client

	mu             sync.Mutex
	sessionID      string
	started        bool
	closed         bool
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

var _ transport.Transport = (*Transport)(nil)

// New creates a streamable HTTP transport for the given endpoint URL.
func New(baseURL string) *Transport {
	return &Transport{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
}

// WithHTTPClient overrides the HTTP client.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.httpClient = client
	return t
}

// Start marks the transport ready. The connection is established lazily by
// the first Send.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.Errorf("streamhttp transport already started")
	}
	t.started = true
	return nil
}

// Send posts the message and dispatches any reply carried in the response
// body.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return errors.Errorf("streamhttp transport not started")
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	body, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		// notifications are acknowledged without a body
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return errors.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		t.dispatchEventStream(ctx, resp.Body)
		return nil
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	t.dispatch(ctx, payload)
	return nil
}

// dispatchEventStream reads SSE data frames from the response body and
// dispatches each as a message. The stream ends when the server closes it.
func (t *Transport) dispatchEventStream(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				t.dispatch(ctx, []byte(data.String()))
				data.Reset()
			}
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(payload))
		}
	}
	if data.Len() > 0 {
		t.dispatch(ctx, []byte(data.String()))
	}
	if err := scanner.Err(); err != nil {
		t.reportError(errors.Wrap(err, "event stream read error"))
	}
}

func (t *Transport) dispatch(ctx context.Context, payload []byte) {
	msg, ok := transport.ParseMessage(payload)
	if !ok {
		t.reportError(errors.Errorf("failed to parse message: %s", string(payload)))
		return
	}

	t.mu.Lock()
	handler := t.messageHandler
	t.mu.Unlock()
	if handler != nil {
		handler(ctx, msg)
	}
}

func (t *Transport) reportError(err error) {
	t.mu.Lock()
	handler := t.errorHandler
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Close marks the transport closed. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	closeHandler := t.closeHandler
	sessionID := t.sessionID
	t.mu.Unlock()

	if sessionID != "" {
		logger.KV(xlog.DEBUG, "status", "session_closed", "session_id", sessionID)
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
