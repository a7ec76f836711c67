package protocol_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/optimade-agent/mcpclient/internal/protocol"
	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport loops sent requests back through a programmable responder.
type fakeTransport struct {
	mu             sync.Mutex
	sent           []*transport.BaseJsonRpcMessage
	respond        func(req *transport.BaseJSONRPCRequest) *transport.BaseJsonRpcMessage
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	closeHandler   func()
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, message)
	respond := f.respond
	handler := f.messageHandler
	f.mu.Unlock()

	if message.Type == transport.BaseMessageTypeJSONRPCRequestType && respond != nil {
		if reply := respond(message.JsonRpcRequest); reply != nil && handler != nil {
			go handler(ctx, reply)
		}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	handler := f.closeHandler
	f.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (f *fakeTransport) SetCloseHandler(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeHandler = handler
}

func (f *fakeTransport) SetErrorHandler(func(error)) {}

func (f *fakeTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageHandler = handler
}

func (f *fakeTransport) sentNotifications() []*transport.BaseJSONRPCNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*transport.BaseJSONRPCNotification
	for _, m := range f.sent {
		if m.Type == transport.BaseMessageTypeJSONRPCNotificationType {
			out = append(out, m.JsonRpcNotification)
		}
	}
	return out
}

func TestRequestResponseCorrelation(t *testing.T) {
	tr := &fakeTransport{
		respond: func(req *transport.BaseJSONRPCRequest) *transport.BaseJsonRpcMessage {
			return transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
				Jsonrpc: "2.0",
				Id:      req.Id,
				Result:  json.RawMessage(`{"ok":true}`),
			})
		},
	}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))

	raw, err := p.Request(context.Background(), "tools/list", map[string]any{}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestRequestErrorReply(t *testing.T) {
	tr := &fakeTransport{
		respond: func(req *transport.BaseJSONRPCRequest) *transport.BaseJsonRpcMessage {
			return transport.NewBaseMessageError(&transport.BaseJSONRPCError{
				Jsonrpc: "2.0",
				Id:      req.Id,
				Error: transport.BaseJSONRPCErrorInner{
					Code:    -32601,
					Message: "method not found",
				},
			})
		},
	}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))

	_, err := p.Request(context.Background(), "unknown/method", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
	assert.Contains(t, err.Error(), "-32601")
}

func TestRequestTimeoutSendsCancel(t *testing.T) {
	// no responder, the request never completes
	tr := &fakeTransport{}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))

	_, err := p.Request(context.Background(), "tools/call", nil, &protocol.RequestOptions{
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	notifications := tr.sentNotifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, "notifications/cancelled", notifications[0].Method)
}

func TestRequestContextCancel(t *testing.T) {
	tr := &fakeTransport{}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Request(ctx, "tools/call", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNotificationHandler(t *testing.T) {
	tr := &fakeTransport{}

	p := protocol.NewProtocol()
	received := make(chan string, 1)
	p.SetNotificationHandler("notifications/message", func(n *transport.BaseJSONRPCNotification) error {
		received <- string(n.Params)
		return nil
	})
	require.NoError(t, p.Connect(context.Background(), tr))

	tr.messageHandler(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/message",
		Params:  json.RawMessage(`{"level":"info"}`),
	}))

	select {
	case params := <-received:
		assert.JSONEq(t, `{"level":"info"}`, params)
	case <-time.After(time.Second):
		t.Fatal("notification handler not invoked")
	}
}

func TestCloseFailsInflightRequests(t *testing.T) {
	tr := &fakeTransport{}

	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))

	done := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "tools/call", nil, nil)
		done <- err
	}()

	// let the request register its handler before closing
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection closed")
	case <-time.After(time.Second):
		t.Fatal("request did not fail on close")
	}
}

func TestRequestNotConnected(t *testing.T) {
	p := protocol.NewProtocol()
	_, err := p.Request(context.Background(), "tools/list", nil, nil)
	require.Error(t, err)

	err = p.Notification(context.Background(), "notifications/initialized", nil)
	require.Error(t, err)
}
