// Package cli is the command-line channel: one-shot messages and an
// interactive prompt. Turns queue behind any turn already running for the
// session.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"santosobot/internal/agent"
	"santosobot/internal/channels"
)

// DefaultSession is the session used when none is given.
const DefaultSession = "cli:default"

const banner = "Santoso CLI - Type 'exit' or 'quit' to end the session"

type styles struct {
	prompt  lipgloss.Style
	reply   lipgloss.Style
	trace   lipgloss.Style
	warning lipgloss.Style
	faint   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		prompt:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		reply:   r.NewStyle().Foreground(lipgloss.Color("252")),
		trace:   r.NewStyle().Foreground(lipgloss.Color("245")),
		warning: r.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		faint:   r.NewStyle().Faint(true),
	}
}

// REPL drives agent turns from a terminal.
type REPL struct {
	runner    channels.Runner
	sessionID string
	chatID    string
	showTrace bool
}

// Option configures a REPL.
type Option func(*REPL)

// WithSession overrides the session id. A bare name becomes cli:<name>.
func WithSession(id string) Option {
	return func(r *REPL) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if !strings.Contains(id, ":") {
			id = "cli:" + id
		}
		r.sessionID = id
		_, r.chatID, _ = strings.Cut(id, ":")
	}
}

// WithTrace prints one line per tool call after each reply.
func WithTrace(show bool) Option {
	return func(r *REPL) {
		r.showTrace = show
	}
}

// New creates a REPL.
func New(runner channels.Runner, opts ...Option) *REPL {
	r := &REPL{runner: runner, sessionID: DefaultSession, chatID: "default"}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SessionID returns the session this REPL talks to.
func (r *REPL) SessionID() string {
	return r.sessionID
}

// RunOnce sends one message and waits for the final reply.
func (r *REPL) RunOnce(ctx context.Context, msg string) (agent.TurnResponse, error) {
	return r.runner.RunTurn(ctx, agent.TurnRequest{
		SessionID: r.sessionID,
		Channel:   "cli",
		ChatID:    r.chatID,
		Content:   msg,
		Mode:      agent.ModeQueue,
	})
}

// Render writes a reply, or a readable failure line.
func (r *REPL) Render(w io.Writer, resp agent.TurnResponse, err error) {
	st := newStyles(w)
	if err != nil {
		fmt.Fprintln(w, st.warning.Render("Error: ")+channels.FailureText(err))
		return
	}
	fmt.Fprintln(w, st.reply.Render(resp.Message.Content))
	if r.showTrace {
		for _, res := range resp.ToolTrace {
			fmt.Fprintln(w, st.trace.Render(fmt.Sprintf("  > %s %s (%dms)", res.Tool, res.Status, res.DurationMs)))
		}
	}
	if resp.Truncated {
		fmt.Fprintln(w, st.faint.Render(fmt.Sprintf("(stopped after %d iterations)", resp.Iterations)))
	}
}

// Run reads lines from in until EOF, an exit command or ctx is done.
func (r *REPL) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st := newStyles(out)
	fmt.Fprintln(out, banner)
	fmt.Fprintln(out, strings.Repeat("-", 64))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, st.prompt.Render("> "))
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nGoodbye!")
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit", "/exit", "/quit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case "/reset":
			if err := r.runner.Reset(ctx, r.sessionID); err != nil {
				r.Render(out, agent.TurnResponse{}, err)
			} else {
				fmt.Fprintln(out, st.faint.Render("Session reset."))
			}
			continue
		}

		resp, err := r.RunOnce(ctx, line)
		r.Render(out, resp, err)
		fmt.Fprintln(out)
	}
}
