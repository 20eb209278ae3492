// Package code implements the code tool: short scripts in python,
// javascript, or bash, materialized to a temp file and run under the
// matching interpreter with a hard timeout. Stdout and stderr come back
// combined, the way the model printed them.
package code

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
	defaultTimeout = 60 * time.Second
	maxTimeout     = 5 * time.Minute
	maxOutputBytes = 64 * 1024
	killGrace      = 2 * time.Second
)

// blockedPatterns reject code that shells out or escalates; the shell tool
// exists for commands and carries its own blocklist.
var blockedPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"os.system", regexp.MustCompile(`\bos\.system\s*\(`)},
	{"subprocess", regexp.MustCompile(`\bsubprocess\.\w+\s*\(`)},
	{"child_process", regexp.MustCompile(`\bchild_process\b`)},
	{"recursive delete of root", regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*\s+/(\s|$|;|&|\*|')`)},
	{"privilege elevation", regexp.MustCompile(`(?i)\b(sudo|doas|pkexec)\b`)},
	{"filesystem format", regexp.MustCompile(`(?i)\b(mkfs(\.\w+)?|mke2fs|mkswap)\b`)},
}

// interpreter binds a language to its binary and script extension.
type interpreter struct {
	bin string
	ext string
}

// Tool executes snippets via local interpreters.
type Tool struct {
	paths        *pathguard.Guard
	timeout      time.Duration
	interpreters map[string]interpreter
}

// Option configures the Tool.
type Option func(*Tool)

// WithTimeout overrides the default execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// New creates the code tool. Interpreters are resolved once; languages whose
// binary is missing fail at call time with a clear error.
func New(paths *pathguard.Guard, opts ...Option) *Tool {
	t := &Tool{
		paths:   paths,
		timeout: defaultTimeout,
		interpreters: map[string]interpreter{
			"python":     {bin: lookFirst("python3", "python"), ext: ".py"},
			"javascript": {bin: lookFirst("node", "nodejs"), ext: ".js"},
			"bash":       {bin: lookFirst("bash", "sh"), ext: ".sh"},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func lookFirst(names ...string) string {
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			return p
		}
	}
	return ""
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "code",
		Description: "Execute a code snippet in python, javascript, or bash and return its combined stdout and stderr. Runs in the workspace directory.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"language":{"type":"string","enum":["python","javascript","bash"],"description":"Interpreter to use"},
			"code":{"type":"string","description":"Code to execute"},
			"timeout":{"type":"integer","description":"Timeout in seconds (max 300)"}
		},"required":["language","code"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Language string `json:"language"`
		Code     string `json:"code"`
		Timeout  int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}
	if strings.TrimSpace(params.Code) == "" {
		return alter.Fail("code is required"), nil
	}

	lang := strings.ToLower(strings.TrimSpace(params.Language))
	interp, ok := t.interpreters[lang]
	if !ok {
		return alter.Fail(fmt.Sprintf("unsupported language: %s (use python, javascript, or bash)", params.Language)), nil
	}
	if interp.bin == "" {
		return alter.Fail(fmt.Sprintf("no %s interpreter available on this host", lang)), nil
	}

	for _, p := range blockedPatterns {
		if p.re.MatchString(params.Code) {
			return alter.Fail("code blocked: " + p.name), nil
		}
	}

	timeout := t.timeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	tmp, err := os.CreateTemp("", "alter-code-*"+interp.ext)
	if err != nil {
		return alter.Result{}, fmt.Errorf("code: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(params.Code); err != nil {
		tmp.Close()
		return alter.Result{}, fmt.Errorf("code: write script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return alter.Result{}, fmt.Errorf("code: close script: %w", err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, interp.bin, tmp.Name())
	cmd.Dir = t.paths.Workspace()
	cmd.Env = safeEnviron()
	cmd.WaitDelay = killGrace

	// One buffer for both streams keeps the interleaving the interpreter
	// produced.
	var combined cappedBuffer
	combined.max = maxOutputBytes
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()
	output := alter.RedactSecrets(strings.TrimRight(combined.String(), "\n"))

	if ctx.Err() != nil {
		return alter.Result{}, ctx.Err()
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		res := alter.Fail(fmt.Sprintf("execution timed out after %ds", int(timeout.Seconds())))
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
		return alter.Result{}, fmt.Errorf("code: run %s: %w", lang, runErr)
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

// cappedBuffer keeps the first max bytes and swallows the rest.
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

var _ alter.Tool = (*Tool)(nil)
