// Command optimade-agent connects to an OPTIMADE MCP server and answers
// natural language queries through an LLM function-calling loop.
//
// Usage:
//
//	optimade-agent <server-path-or-url> [stdio|http|sse]
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/optimade-agent/agent"
	"github.com/effective-security/optimade-agent/chat"
	"github.com/effective-security/optimade-agent/mcpclient"
	"github.com/effective-security/optimade-agent/pkg/llmfactory"
	"github.com/effective-security/xlog"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	// .env is optional, the environment wins when both are set
	_ = godotenv.Load()

	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	level := xlog.INFO
	if os.Getenv("DEBUG") != "" {
		level = xlog.DEBUG
	}
	xlog.SetGlobalLogLevel(level)

	if len(args) < 1 {
		return errors.New("usage: optimade-agent <server-path-or-url> [stdio|http|sse]")
	}
	target := args[0]

	kind := mcpclient.KindAuto
	if len(args) > 1 {
		kind = mcpclient.Kind(strings.ToLower(args[1]))
		switch kind {
		case mcpclient.KindAuto, mcpclient.KindStdio, mcpclient.KindHTTP, mcpclient.KindSSE:
		default:
			return errors.Newf("unsupported transport: %s", args[1])
		}
	}

	if mcpclient.InferKind(target, kind) == mcpclient.KindStdio {
		if _, err := os.Stat(target); err != nil {
			return errors.Newf("server script not found: %s", target)
		}
	}

	model, err := llmfactory.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	client := mcpclient.New(target, kind)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	a := agent.New(model, client)
	return chat.New(a, client.Tools()).Run(ctx)
}
