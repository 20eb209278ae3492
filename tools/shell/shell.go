// Package shell implements the shell tool: one command per call, run under
// a bash-like interpreter inside the allowed directories, with dangerous
// patterns refused and credentials kept out of the child environment.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	alter "github.com/nevindra/alter"
	"github.com/nevindra/alter/internal/pathguard"
)

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 5 * time.Minute
	maxOutputBytes = 64 * 1024
)

// dangerousPatterns refuse commands no autonomous agent should run.
var dangerousPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"recursive delete of root", regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*\s+/(\s|$|;|&|\*|')`)},
	{"recursive delete of home", regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*\s+~/?(\s|$|;|&)`)},
	{"no-preserve-root", regexp.MustCompile(`--no-preserve-root`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`)},
	{"filesystem format", regexp.MustCompile(`(?i)\b(mkfs(\.\w+)?|mke2fs|mkswap)\b`)},
	{"raw device write", regexp.MustCompile(`(?i)\bdd\b[^|;&]*\bof=/dev/`)},
	{"block device redirect", regexp.MustCompile(`>\s*/dev/(sd|nvme|vd|hd|loop)`)},
	{"privilege elevation", regexp.MustCompile(`(?i)\b(sudo|doas|pkexec)\b`)},
	{"download and execute", regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(bash|sh|zsh|dash|python\d?)\b`)},
}

// Tool runs shell commands.
type Tool struct {
	paths   *pathguard.Guard
	shell   string
	timeout time.Duration
}

// Option configures the Tool.
type Option func(*Tool)

// WithTimeout overrides the default per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// New creates the shell tool. Commands run in the guard's workspace unless
// the call names another allowed directory.
func New(paths *pathguard.Guard, opts ...Option) *Tool {
	t := &Tool{paths: paths, shell: "sh", timeout: defaultTimeout}
	if p, err := exec.LookPath("bash"); err == nil {
		t.shell = p
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "shell",
		Description: "Execute a shell command in the workspace. Returns stdout and stderr. Non-zero exit codes are reported as failures.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"command":{"type":"string","description":"Command to execute"},
			"timeout":{"type":"integer","description":"Timeout in seconds (max 300)"},
			"working_dir":{"type":"string","description":"Directory to run in; must be inside the workspace"}
		},"required":["command"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Command    string `json:"command"`
		Timeout    int    `json:"timeout"`
		WorkingDir string `json:"working_dir"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return alter.Fail("command is required"), nil
	}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(params.Command) {
			return alter.Fail("command blocked: " + p.name), nil
		}
	}

	dir := t.paths.Workspace()
	if params.WorkingDir != "" {
		resolved, err := t.paths.Resolve(params.WorkingDir)
		if err != nil {
			return alter.Fail("working_dir: " + err.Error()), nil
		}
		dir = resolved
	}

	timeout := t.timeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, t.shell, "-c", params.Command)
	cmd.Dir = dir
	cmd.Env = safeEnviron()

	var stdout, stderr cappedBuffer
	stdout.max = maxOutputBytes
	stderr.max = maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output := alter.RedactSecrets(combineOutput(&stdout, &stderr))

	if ctx.Err() != nil {
		return alter.Result{}, ctx.Err()
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		res := alter.Fail(fmt.Sprintf("command timed out after %ds", int(timeout.Seconds())))
		res.Output = output
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res := alter.Fail(fmt.Sprintf("Exit code: %d", exitErr.ExitCode()))
		res.Output = output
		return res, nil
	}
	if runErr != nil {
		// Spawn failure, not a command failure.
		return alter.Result{}, fmt.Errorf("run shell: %w", runErr)
	}

	if output == "" {
		output = "(no output)"
	}
	return alter.Ok(output), nil
}

// safeEnviron copies the process environment minus credential-shaped
// variables.
func safeEnviron() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if alter.SensitiveEnvVar(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func combineOutput(stdout, stderr *cappedBuffer) string {
	out := stdout.String()
	if s := stderr.String(); s != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += s
	}
	return strings.TrimRight(out, "\n")
}

// cappedBuffer keeps the first max bytes and swallows the rest, so a
// runaway command cannot balloon memory while the timeout runs down.
type cappedBuffer struct {
	buf       strings.Builder
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remain := b.max - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... (output capped)"
	}
	return b.buf.String()
}
