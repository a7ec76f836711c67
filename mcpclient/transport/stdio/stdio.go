// Package stdio runs an MCP server as a child process and exchanges
// newline-delimited JSON-RPC messages over its stdin/stdout pipes.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/mcpclient/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent/mcpclient/transport", "stdio")

// Transport launches a server subprocess and frames messages as single lines
// of JSON on its pipes. The child's stderr is passed through to the parent's
// so server diagnostics remain visible.
type Transport struct {
	command string
	args    []string

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	stdout         io.ReadCloser
	started        bool
	closed         bool
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stdio transport that will run the given command.
func New(command string, args ...string) *Transport {
	return &Transport{
		command: command,
		args:    args,
	}
}

// Start launches the subprocess and begins reading its stdout.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.Errorf("stdio transport already started")
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start server process: %s", t.command)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.started = true

	logger.KV(xlog.DEBUG,
		"status", "server_started",
		"command", t.command,
		"pid", cmd.Process.Pid,
	)

	go t.readLoop(ctx, stdout)

	return nil
}

func (t *Transport) readLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	// allow large tool results on a single line
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, ok := transport.ParseMessage(line)
		if !ok {
			t.reportError(errors.Errorf("failed to parse message: %s", string(line)))
			continue
		}

		t.mu.Lock()
		handler := t.messageHandler
		t.mu.Unlock()
		if handler != nil {
			handler(ctx, msg)
		}
	}

	if err := scanner.Err(); err != nil {
		t.reportError(errors.Wrap(err, "stdout read error"))
	}

	t.mu.Lock()
	closeHandler := t.closeHandler
	alreadyClosed := t.closed
	t.mu.Unlock()
	if closeHandler != nil && !alreadyClosed {
		closeHandler()
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

// Send writes a single message followed by a newline to the child's stdin.
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.closed {
		return errors.Errorf("stdio transport not started")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	if _, err := t.stdin.Write(append(body, '\n')); err != nil {
		return errors.Wrap(err, "failed to write to server stdin")
	}
	return nil
}

// Close terminates the subprocess and releases the pipes. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed || !t.started {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	closeHandler := t.closeHandler
	t.mu.Unlock()

	// closing stdin lets well-behaved servers exit on their own
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
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
