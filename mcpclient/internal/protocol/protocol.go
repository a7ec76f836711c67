// Package protocol implements the JSON-RPC layer the MCP client sits on:
// request/response correlation, per-request timeouts, cancellation and
// notification dispatch over a pluggable transport.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent/mcpclient", "protocol")

// DefaultRequestTimeout bounds a request when the caller does not set one.
const DefaultRequestTimeout = 60 * time.Second

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Timeout specifies a timeout for this request. If not specified,
	// DefaultRequestTimeout is used.
	Timeout time.Duration
}

// Protocol manages JSON-RPC messaging on top of a transport. It correlates
// responses to in-flight requests by id and dispatches server notifications
// to registered handlers. All public methods are safe for concurrent use.
type Protocol struct {
	transport transport.Transport

	requestMessageID transport.RequestId
	mu               sync.RWMutex

	// Maps method name to notification handler
	notificationHandlers map[string]func(notification *transport.BaseJSONRPCNotification) error
	// Maps message ID to response channel
	responseHandlers map[transport.RequestId]chan *responseEnvelope

	// Callback for when the connection is closed for any reason
	OnClose func()
	// Callback for when an error occurs
	OnError func(error)
	// Handler to invoke for notification types without their own handler
	FallbackNotificationHandler func(notification *transport.BaseJSONRPCNotification) error
}

type responseEnvelope struct {
	response json.RawMessage
	err      error
}

// NewProtocol creates a new Protocol instance.
func NewProtocol() *Protocol {
	return &Protocol{
		notificationHandlers: make(map[string]func(*transport.BaseJSONRPCNotification) error),
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
	}
}

// Connect attaches to the given transport, starts it, and starts listening
// for messages.
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(func() {
		p.handleClose()
	})

	tr.SetErrorHandler(func(err error) {
		p.handleError(err)
	})

	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse, nil)
		case transport.BaseMessageTypeJSONRPCErrorType:
			p.handleResponse(nil, message.JsonRpcError)
		case transport.BaseMessageTypeJSONRPCRequestType:
			// the client does not serve requests
			logger.KV(xlog.DEBUG,
				"status", "unexpected_request",
				"method", message.JsonRpcRequest.Method,
			)
		}
	})

	return tr.Start(ctx)
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Fail all in-flight requests
	for id, ch := range p.responseHandlers {
		ch <- &responseEnvelope{err: errors.Errorf("connection closed")}
		close(ch)
		delete(p.responseHandlers, id)
	}

	if p.OnClose != nil {
		p.OnClose()
	}
	p.notificationHandlers = make(map[string]func(notification *transport.BaseJSONRPCNotification) error)
	p.responseHandlers = make(map[transport.RequestId]chan *responseEnvelope)
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	if handler == nil {
		handler = p.FallbackNotificationHandler
	}
	p.mu.RUnlock()

	if handler == nil {
		return
	}

	go func() {
		if err := handler(notification); err != nil {
			p.handleError(errors.Wrap(err, "notification handler error"))
		}
	}()
}

func (p *Protocol) handleResponse(response *transport.BaseJSONRPCResponse, errResp *transport.BaseJSONRPCError) {
	var id transport.RequestId
	var result json.RawMessage
	var err error

	if errResp != nil {
		id = errResp.Id
		err = errors.Errorf("RPC error %d: %s", errResp.Error.Code, errResp.Error.Message)
	} else {
		result = response.Result
		id = response.Id
	}

	p.mu.RLock()
	ch := p.responseHandlers[id]
	p.mu.RUnlock()

	if ch != nil {
		ch <- &responseEnvelope{
			response: result,
			err:      err,
		}
	}
}

// Close closes the connection.
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and waits for a response. The returned payload is
// the raw JSON-RPC result, ready to be unmarshalled by the caller.
func (p *Protocol) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.Errorf("not connected")
	}

	if opts == nil {
		opts = &RequestOptions{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultRequestTimeout
	}

	p.mu.Lock()
	id := p.requestMessageID
	p.requestMessageID++
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	marshalledParams, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalledParams,
		Id:      id,
	}

	if err := p.transport.Send(ctx, transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.response, nil
	case <-ctx.Done():
		_ = p.sendCancelNotification(id, ctx.Err().Error())
		return nil, ctx.Err()
	case <-time.After(opts.Timeout):
		_ = p.sendCancelNotification(id, "request timeout")
		return nil, errors.Errorf("request timeout after %v", opts.Timeout)
	}
}

func (p *Protocol) sendCancelNotification(requestID transport.RequestId, reason string) error {
	params := map[string]any{
		"requestId": requestID,
		"reason":    reason,
	}
	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cancel params")
	}
	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/cancelled",
		Params:  marshalled,
	}

	if err := p.transport.Send(context.Background(), transport.NewBaseMessageNotification(notification)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send cancel notification"))
	}
	return nil
}

// Notification emits a one-way message that does not expect a response.
func (p *Protocol) Notification(ctx context.Context, method string, params any) error {
	if p.transport == nil {
		return errors.Errorf("not connected")
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}

	return p.transport.Send(ctx, transport.NewBaseMessageNotification(notification))
}

// SetNotificationHandler registers a handler for the given notification method.
func (p *Protocol) SetNotificationHandler(method string, handler func(notification *transport.BaseJSONRPCNotification) error) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}
