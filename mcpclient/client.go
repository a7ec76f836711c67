// Package mcpclient connects to an MCP server over stdio, streamable HTTP or
// SSE and exposes its tools and resources through a single client surface.
package mcpclient

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/mcpclient/internal/protocol"
	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/effective-security/optimade-agent/mcpclient/transport/sse"
	"github.com/effective-security/optimade-agent/mcpclient/transport/stdio"
	"github.com/effective-security/optimade-agent/mcpclient/transport/streamhttp"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent", "mcpclient")

// ProtocolVersion is the MCP revision this client speaks.
const ProtocolVersion = "2024-11-05"

// clientVersion identifies this client in the initialize handshake.
const clientVersion = "0.1.0"

// Kind selects the wire transport.
type Kind string

const (
	// KindAuto infers the transport from the target string.
	KindAuto Kind = "auto"
	// KindStdio launches the server as a subprocess.
	KindStdio Kind = "stdio"
	// KindHTTP uses the streamable HTTP transport.
	KindHTTP Kind = "http"
	// KindSSE uses the HTTP+SSE transport.
	KindSSE Kind = "sse"
)

var (
	// ErrSessionNotEstablished is returned when an operation requires a
	// connected session.
	ErrSessionNotEstablished = errors.New("session not established")
	// ErrUnsupportedServerKind is returned when the target cannot be mapped
	// to a transport or launch command.
	ErrUnsupportedServerKind = errors.New("unsupported server kind")
)

// Client is an MCP client session. It is created disconnected; Connect
// establishes the transport, performs the initialize handshake and discovers
// the server's tools and resources. Not safe for concurrent use: the caller
// serializes queries against one session.
type Client struct {
	target string
	kind   Kind

	mu        sync.Mutex
	protocol  *protocol.Protocol
	connected bool
	server    Implementation
	tools     []ToolDescriptor
	resources []ResourceDescriptor
	// teardown steps in acquisition order, run in reverse by Close
	cleanup []func() error
}

// New creates a client for the given target, a local server path or a URL.
// Pass KindAuto to infer the transport from the target.
func New(target string, kind Kind) *Client {
	if kind == "" {
		kind = KindAuto
	}
	return &Client{
		target: target,
		kind:   kind,
	}
}

// InferKind resolves the transport for a target. An explicit hint wins;
// otherwise a URL containing "/sse" selects the event stream, any other URL
// selects streamable HTTP, and a plain path selects stdio.
func InferKind(target string, hint Kind) Kind {
	if hint != "" && hint != KindAuto {
		return hint
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if strings.Contains(target, "/sse") {
			return KindSSE
		}
		return KindHTTP
	}
	return KindStdio
}

// stdioCommand maps a server script to its interpreter.
func stdioCommand(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python", nil
	case ".js":
		return "node", nil
	}
	return "", errors.WithMessagef(ErrUnsupportedServerKind, "server script must be .py or .js: %s", path)
}

func (c *Client) newTransport(kind Kind) (transport.Transport, error) {
	switch kind {
	case KindStdio:
		command, err := stdioCommand(c.target)
		if err != nil {
			return nil, err
		}
		return stdio.New(command, c.target), nil
	case KindHTTP:
		return streamhttp.New(c.target), nil
	case KindSSE:
		return sse.New(c.target), nil
	}
	return nil, errors.WithMessagef(ErrUnsupportedServerKind, "unknown transport: %s", kind)
}

// Connect establishes the transport, performs the initialize handshake and
// runs best-effort tool and resource discovery. Any failure before the
// handshake completes tears down what was acquired.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.Errorf("already connected")
	}
	c.mu.Unlock()

	kind := InferKind(c.target, c.kind)

	tr, err := c.newTransport(kind)
	if err != nil {
		return err
	}

	proto := protocol.NewProtocol()
	proto.OnError = func(err error) {
		logger.KV(xlog.WARNING, "status", "transport_error", "err", err.Error())
	}

	if err := proto.Connect(ctx, tr); err != nil {
		_ = tr.Close()
		return errors.WithMessagef(err, "failed to connect to %s", c.target)
	}

	c.mu.Lock()
	c.protocol = proto
	c.cleanup = append(c.cleanup, proto.Close)
	c.mu.Unlock()

	initRes, err := c.initialize(ctx)
	if err != nil {
		_ = c.Close()
		return errors.WithMessagef(err, "initialize handshake failed for %s", c.target)
	}

	c.mu.Lock()
	c.connected = true
	c.server = initRes.ServerInfo
	c.mu.Unlock()

	logger.KV(xlog.INFO,
		"status", "connected",
		"target", c.target,
		"transport", kind,
		"server", initRes.ServerInfo.Name,
		"server_version", initRes.ServerInfo.Version,
	)

	// discovery is non-critical, failures degrade to empty catalogs
	tools, err := c.ListTools(ctx)
	if err != nil {
		logger.KV(xlog.WARNING, "status", "tool_discovery_failed", "err", err.Error())
		tools = nil
	}
	resources, err := c.ListResources(ctx)
	if err != nil {
		logger.KV(xlog.WARNING, "status", "resource_discovery_failed", "err", err.Error())
		resources = nil
	}

	c.mu.Lock()
	c.tools = tools
	c.resources = resources
	c.mu.Unlock()

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	logger.KV(xlog.INFO,
		"status", "discovered",
		"tools", strings.Join(names, ","),
		"resources", len(resources),
	)

	return nil
}

func (c *Client) initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": Implementation{
			Name:    "optimade-agent",
			Version: clientVersion,
		},
	}

	raw, err := c.protocol.Request(ctx, "initialize", params, nil)
	if err != nil {
		return nil, err
	}

	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal initialize result")
	}

	if err := c.protocol.Notification(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return nil, errors.WithMessage(err, "failed to send initialized notification")
	}

	return &res, nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	proto := c.getProtocol()
	if proto == nil {
		return nil, errors.WithStack(ErrSessionNotEstablished)
	}

	raw, err := proto.Request(ctx, "tools/list", map[string]any{}, nil)
	if err != nil {
		return nil, err
	}

	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal tools list")
	}
	return res.Tools, nil
}

// ListResources fetches the server's resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	proto := c.getProtocol()
	if proto == nil {
		return nil, errors.WithStack(ErrSessionNotEstablished)
	}

	raw, err := proto.Request(ctx, "resources/list", map[string]any{}, nil)
	if err != nil {
		return nil, err
	}

	var res listResourcesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal resources list")
	}
	return res.Resources, nil
}

// CallTool invokes a tool by name. It returns ErrSessionNotEstablished before
// Connect, and wraps any invocation failure with the tool name so the caller
// can report it inline.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	c.mu.Lock()
	proto := c.protocol
	connected := c.connected
	c.mu.Unlock()

	if proto == nil || !connected {
		return nil, errors.WithStack(ErrSessionNotEstablished)
	}
	if args == nil {
		args = map[string]any{}
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := proto.Request(ctx, "tools/call", params, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "tool call failed: %s", name)
	}

	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal result of tool: %s", name)
	}
	return &res, nil
}

// Tools returns the catalog discovered at Connect time.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// Resources returns the resource catalog discovered at Connect time.
func (c *Client) Resources() []ResourceDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resources
}

// ServerInfo returns the server identity from the handshake.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Client) getProtocol() *protocol.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Close releases transport resources in reverse acquisition order. Teardown
// failures are logged, never returned, so every step runs. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	cleanup := c.cleanup
	c.cleanup = nil
	c.protocol = nil
	c.connected = false
	c.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if err := cleanup[i](); err != nil {
			logger.KV(xlog.WARNING, "status", "teardown_error", "err", err.Error())
		}
	}
	return nil
}
