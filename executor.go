package alter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxParallelDispatch caps the number of concurrent tool call goroutines
	// to avoid overwhelming external services with unbounded parallelism.
	maxParallelDispatch = 4
	// toolRetries: hard execution errors (not failure Results) are retried
	// this many times beyond the first attempt.
	toolRetries = 2
	// heartbeatInterval paces liveness events while a batch is in flight.
	heartbeatInterval = 5 * time.Second
)

// toolRetryDelays is the backoff schedule between tool retry attempts.
var toolRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second}

// ExecutedCall pairs a tool call with its shaped result.
type ExecutedCall struct {
	Call   ToolCall
	Result Result
}

// Executor runs batches of tool calls: it normalizes arguments, applies
// per-tool deadlines, retries hard failures, paces heartbeat events, and
// truncates oversized output. Failure Results pass through as data; only
// broken invocations (error returns, panics) are retried.
type Executor struct {
	registry    *Registry
	store       Store
	logger      *slog.Logger
	retryDelays []time.Duration
	hbEvery     time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorLogger sets the structured logger.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over registry, reading runtime limits
// (timeouts, output cap) from store on every batch.
func NewExecutor(registry *Registry, store Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		store:       store,
		retryDelays: toolRetryDelays,
		hbEvery:     heartbeatInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Execute runs calls and returns shaped results in input order. Single
// calls run inline; larger batches use a fixed worker pool. While the batch
// is in flight, emit (when non-nil) receives a heartbeat event every 5s.
func (e *Executor) Execute(ctx context.Context, calls []ToolCall, emit func(Event)) []ExecutedCall {
	if len(calls) == 0 {
		return nil
	}

	limits := e.loadLimits(ctx)

	var hbWG sync.WaitGroup
	if emit != nil {
		hbCtx, stopHB := context.WithCancel(ctx)
		defer func() {
			stopHB()
			hbWG.Wait()
		}()
		hbWG.Add(1)
		go func() {
			defer hbWG.Done()
			ticker := time.NewTicker(e.hbEvery)
			defer ticker.Stop()
			for {
				select {
				case <-hbCtx.Done():
					return
				case <-ticker.C:
					emit(Event{Type: EventHeartbeat, Content: fmt.Sprintf("executing %d tool call(s)", len(calls))})
				}
			}
		}()
	}

	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		return []ExecutedCall{{Call: calls[0], Result: e.executeOne(ctx, calls[0], limits)}}
	}

	type workItem struct {
		idx  int
		call ToolCall
	}
	type indexedResult struct {
		idx int
		res Result
	}

	workCh := make(chan workItem, len(calls))
	for i, call := range calls {
		workCh <- workItem{idx: i, call: call}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, Fail("cancelled: " + ctx.Err().Error())}
					continue
				}
				resultCh <- indexedResult{w.idx, e.executeOne(ctx, w.call, limits)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]Result, len(calls))
	seen := make([]bool, len(calls))
	for r := range resultCh {
		results[r.idx] = r.res
		seen[r.idx] = true
	}
	for i := range results {
		if !seen[i] {
			results[i] = Fail("result not received")
		}
	}

	out := make([]ExecutedCall, len(calls))
	for i, call := range calls {
		out[i] = ExecutedCall{Call: call, Result: results[i]}
	}
	return out
}

// execLimits are the runtime knobs one batch runs under, loaded once per
// batch so a mid-batch config write cannot skew siblings.
type execLimits struct {
	toolTimeout time.Duration
	codeTimeout time.Duration
	maxOutput   int
}

func (e *Executor) loadLimits(ctx context.Context) execLimits {
	return execLimits{
		toolTimeout: time.Duration(cfgInt(ctx, e.store, "tool_timeout_ms")) * time.Millisecond,
		codeTimeout: time.Duration(cfgInt(ctx, e.store, "code_timeout_ms")) * time.Millisecond,
		maxOutput:   cfgInt(ctx, e.store, "max_output_chars"),
	}
}

// executeOne normalizes, dispatches with retry, and shapes a single call.
func (e *Executor) executeOne(ctx context.Context, call ToolCall, limits execLimits) Result {
	args, notes := NormalizeArgs(call.Name, call.Args)
	for _, note := range notes {
		e.logger.Info("normalized tool args", "tool", call.Name, "rewrite", note)
	}

	callCtx := ctx
	if timeout := e.timeoutFor(call.Name, limits); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = e.registry.Execute(callCtx, call.Name, args)
		if err == nil || attempt >= toolRetries || ctx.Err() != nil {
			break
		}
		delay := e.retryDelays[min(attempt, len(e.retryDelays)-1)]
		e.logger.Warn("tool execution error, retrying",
			"tool", call.Name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return shapeResult(Fail("cancelled: "+ctx.Err().Error()), limits.maxOutput)
		case <-timer.C:
		}
	}
	if err != nil {
		e.logger.Error("tool execution failed", "tool", call.Name, "error", err)
		res = Fail(err.Error())
	}
	return shapeResult(res, limits.maxOutput)
}

// timeoutFor picks the deadline for one call. Tools that enforce their own
// longer budget (shell's per-call timeout argument, code's interpreter
// timeout, wait's bounded sleep) get headroom above it.
func (e *Executor) timeoutFor(name string, limits execLimits) time.Duration {
	switch name {
	case "code":
		return limits.codeTimeout + 5*time.Second
	case "shell":
		return max(limits.toolTimeout, 310*time.Second)
	case "wait":
		return max(limits.toolTimeout, 65*time.Second)
	default:
		return limits.toolTimeout
	}
}

// shapeResult truncates oversized output. Results carrying images pass
// through untouched so the payload survives to the model.
func shapeResult(res Result, maxOutput int) Result {
	if len(res.Images) > 0 {
		return res
	}
	res.Output = TruncateOutput(res.Output, maxOutput)
	return res
}

// TruncateOutput cuts s to at most max runes, appending a marker with the
// number of runes removed.
func TruncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + fmt.Sprintf("… [truncated %d chars]", len(r)-max)
}
