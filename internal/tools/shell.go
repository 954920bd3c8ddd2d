package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	xerrors "santosobot/internal/errors"
)

const (
	maxCommandLength = 1000
	// maxCaptureBytes bounds each of stdout and stderr in memory.
	maxCaptureBytes = 1 << 20
	shellPath       = "/usr/local/bin:/usr/bin:/bin"
)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bgit\s+clone\b`),
	regexp.MustCompile(`(?i)\bcurl\s+.*\|.*sh\b`),
	regexp.MustCompile(`(?i)\bwget\s+.*\|.*sh\b`),
	regexp.MustCompile(`(?i)\bmv\b.*?/(etc|bin|usr)\b`),
	regexp.MustCompile(`(?i)\bchmod\b.*?/(etc|bin|usr)\b`),
	regexp.MustCompile(`(?i)\bchown\b.*?/(etc|bin|usr)\b`),
	regexp.MustCompile(`(?i)\bmount\b`),
	regexp.MustCompile(`(?i)\bumount\b`),
	regexp.MustCompile(`(?i)\bpkill\b`),
	regexp.MustCompile(`(?i)\bkillall\b`),
	regexp.MustCompile(`(?i)\bpasswd\b`),
	regexp.MustCompile(`(?i)\bshadow\b`),
}

// ShellTool runs `sh -c` in its own process group with a scrubbed
// environment. The whole group is killed when the context ends.
type ShellTool struct {
	ws      *Workspace
	timeout time.Duration
}

// NewShellTool creates shell with the given wall-clock limit.
func NewShellTool(ws *Workspace, timeout time.Duration) *ShellTool {
	return &ShellTool{ws: ws, timeout: timeout}
}

func (t *ShellTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "shell",
		Description: "Execute a shell command and return its output. Use with caution.",
		Schema: Schema{
			Properties: map[string]Property{
				"command":     {Type: "string", Description: "The shell command to execute"},
				"working_dir": {Type: "string", Description: "Optional working directory for the command"},
			},
			Required: []string{"command"},
		},
		Policy: Policy{Timeout: t.timeout, SideEffect: SideEffectExec},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args Args) (string, error) {
	command := strings.TrimSpace(args.String("command"))
	if err := sanitizeCommand(command); err != nil {
		return "", err
	}

	dir := t.ws.Root()
	if wd := args.String("working_dir"); wd != "" {
		resolved, err := t.ws.Resolve(wd)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + shellPath, "HOME=" + t.ws.Root()}
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	stdout := &capBuffer{limit: maxCaptureBytes}
	stderr := &capBuffer{limit: maxCaptureBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	output := formatShellOutput(stdout.String(), stderr.String())
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("exit status %d", exitErr.ExitCode()))
		}
		return output, xerrors.Wrap(xerrors.CodeToolExecution, err, "failed to run command")
	}
	return output, nil
}

func sanitizeCommand(command string) error {
	if command == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "command cannot be empty")
	}
	if len(command) > maxCommandLength {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("command is longer than %d characters", maxCommandLength))
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return xerrors.New(xerrors.CodeToolExecution, "command contains a blocked pattern: "+re.String())
		}
	}
	return nil
}

func formatShellOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return "STDERR:\n" + stderr
	default:
		return stdout + "\nSTDERR:\n" + stderr
	}
}

// capBuffer keeps the first limit bytes written and discards the rest.
type capBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.dropped += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return b.buf.String() + fmt.Sprintf("\n...[truncated %d bytes]", b.dropped)
	}
	return b.buf.String()
}
