// Package chat is the interactive read-eval-print shell over the agent.
// Free text becomes a query; the reserved tokens help, history, tools and
// quit are handled locally without invoking the model.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/effective-security/optimade-agent/agent"
	"github.com/effective-security/optimade-agent/mcpclient"
	"github.com/effective-security/optimade-agent/pkg/llmutils"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/optimade-agent", "chat")

// historyPrintCount is how many recent entries the history command shows.
const historyPrintCount = 5

// Shell runs the interactive loop.
type Shell struct {
	agent   *agent.Agent
	catalog []mcpclient.ToolDescriptor
	in      io.Reader
	out     io.Writer
}

// New creates a shell over stdin/stdout.
func New(a *agent.Agent, catalog []mcpclient.ToolDescriptor) *Shell {
	return &Shell{
		agent:   a,
		catalog: catalog,
		in:      os.Stdin,
		out:     os.Stdout,
	}
}

// WithIO overrides the shell's streams.
func (s *Shell) WithIO(in io.Reader, out io.Writer) *Shell {
	s.in = in
	s.out = out
	return s
}

// Run reads queries until quit or EOF. A failed query is reported and the
// loop continues; only the shell's own I/O errors terminate it.
func (s *Shell) Run(ctx context.Context) error {
	fmt.Fprintln(s.out, "================ OPTIMADE Agent ================")
	fmt.Fprintln(s.out, "Type a natural language query (help/history/tools/quit)")

	scanner := bufio.NewScanner(s.in)
	for {
		fmt.Fprint(s.out, "\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if s.handleCommand(line) {
			if strings.EqualFold(line, "quit") {
				return nil
			}
			continue
		}

		fmt.Fprintln(s.out, "\n[processing] ...")
		answer, err := s.agent.ProcessQuery(ctx, line)
		if err != nil {
			logger.KV(xlog.ERROR, "status", "query_failed", "err", err.Error())
			fmt.Fprintf(s.out, "\nerror: %s\n", err.Error())
			continue
		}
		fmt.Fprintf(s.out, "\n=== Result ===\n%s\n==============\n", answer)
	}
	return scanner.Err()
}

// handleCommand processes a reserved token, reporting whether it was one.
func (s *Shell) handleCommand(line string) bool {
	switch strings.ToLower(line) {
	case "quit":
		fmt.Fprintln(s.out, "bye.")
		return true
	case "help":
		fmt.Fprintln(s.out, "commands: help/history/tools/quit; example: find materials with a band gap above 2 eV")
		return true
	case "history":
		entries := s.agent.History().Last(historyPrintCount)
		fmt.Fprintln(s.out, llmutils.ToJSONIndent(entries))
		return true
	case "tools":
		names := make([]string, len(s.catalog))
		for i, t := range s.catalog {
			names[i] = t.Name
		}
		fmt.Fprintln(s.out, llmutils.ToJSON(names))
		return true
	}
	return false
}
