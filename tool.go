package alter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tool defines one agent capability.
type Tool interface {
	// Declaration describes the tool to the model.
	Declaration() ToolDeclaration
	// Execute runs the tool. A failed operation is reported as a Result with
	// Success=false and Error set, not as a Go error; a non-nil error means
	// the invocation itself broke (process spawn failure, driver crash) and
	// is eligible for retry by the executor.
	Execute(ctx context.Context, args json.RawMessage) (Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Success         bool        `json:"success"`
	Output          string      `json:"output"`
	Error           string      `json:"error,omitempty"`
	ExecutionTimeMS int64       `json:"execution_time_ms"`
	Images          []ImageData `json:"images,omitempty"`
	Files           []FileRef   `json:"files,omitempty"`
}

// FileRef points at a file produced by a tool. Delivery (chat upload,
// download link) is the surface's concern; the core only describes it.
type FileRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
}

// Ok returns a successful Result with the given output.
func Ok(output string) Result {
	return Result{Success: true, Output: output}
}

// Fail returns a failed Result with the given error message.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Registry holds all registered tools and dispatches execution by name.
type Registry struct {
	mu     sync.RWMutex
	names  []string // registration order
	tools  map[string]Tool
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger. Defaults to a no-op logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register adds a tool. Registering a name twice replaces the previous
// tool and keeps its original position in Declarations.
func (r *Registry) Register(t Tool) {
	name := t.Declaration().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.names = append(r.names, name)
	}
	r.tools[name] = t
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Declarations returns all tool declarations in registration order.
func (r *Registry) Declarations() []ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]ToolDeclaration, 0, len(r.names))
	for _, name := range r.names {
		decls = append(decls, r.tools[name].Declaration())
	}
	return decls
}

// Execute dispatches a tool call by name, stamping wall-clock time into the
// Result. An unknown name is a failure Result, not an error. A panicking
// tool is recovered into an error so the executor can retry it.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (res Result, err error) {
	t, ok := r.Lookup(name)
	if !ok {
		return Fail("tool not found: " + name), nil
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			res = Result{}
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
		res.ExecutionTimeMS = time.Since(start).Milliseconds()
	}()
	res, err = t.Execute(ctx, args)
	return res, err
}
