package alter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// sleeperTool succeeds after a fixed delay.
type sleeperTool struct{ d time.Duration }

func (t sleeperTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "sleeper", Description: "Sleeps then succeeds"}
}

func (t sleeperTool) Execute(ctx context.Context, _ json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(t.d):
		return Ok("slept"), nil
	}
}

// countingFailTool counts executions and always returns a failure Result.
type countingFailTool struct {
	mu    sync.Mutex
	calls int
}

func (t *countingFailTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "fail", Description: "Always fails"}
}

func (t *countingFailTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return Fail("deliberate failure"), nil
}

func (t *countingFailTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func newTestExecutor(tools ...Tool) *Executor {
	r := NewRegistry()
	for _, tool := range tools {
		r.Register(tool)
	}
	e := NewExecutor(r, nopStore{})
	e.retryDelays = []time.Duration{0, 0}
	return e
}

func TestExecutor_ResultsInInputOrder(t *testing.T) {
	e := newTestExecutor(echoTool{name: "echo"}, sleeperTool{d: 30 * time.Millisecond})

	calls := []ToolCall{
		{ID: "1", Name: "sleeper", Args: rawArgs(`{}`)},
		{ID: "2", Name: "echo", Args: rawArgs(`{"n":1}`)},
		{ID: "3", Name: "echo", Args: rawArgs(`{"n":2}`)},
	}
	out := e.Execute(context.Background(), calls, nil)

	if len(out) != 3 {
		t.Fatalf("got %d results, want 3", len(out))
	}
	for i, ec := range out {
		if ec.Call.ID != calls[i].ID {
			t.Errorf("result %d is for call %s, want %s", i, ec.Call.ID, calls[i].ID)
		}
	}
	if out[0].Result.Output != "slept" {
		t.Errorf("slow call output = %q, want slept", out[0].Result.Output)
	}
}

func TestExecutor_RetriesHardErrors(t *testing.T) {
	flaky := &errTool{succeedAfter: 1}
	e := newTestExecutor(flaky)

	out := e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "flaky"}}, nil)

	if got := flaky.callCount(); got != 2 {
		t.Errorf("tool called %d times, want 2 (initial + 1 retry)", got)
	}
	if !out[0].Result.Success {
		t.Errorf("result = %+v, want success after retry", out[0].Result)
	}
}

func TestExecutor_ExhaustedRetriesBecomeFailureResult(t *testing.T) {
	flaky := &errTool{succeedAfter: 10}
	e := newTestExecutor(flaky)

	out := e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "flaky"}}, nil)

	if got := flaky.callCount(); got != 3 {
		t.Errorf("tool called %d times, want 3 (initial + 2 retries)", got)
	}
	res := out[0].Result
	if res.Success {
		t.Error("Success = true, want false after exhausted retries")
	}
	if !strings.Contains(res.Error, "transient breakage") {
		t.Errorf("Error = %q, want the underlying error text", res.Error)
	}
}

func TestExecutor_FailureResultsAreNotRetried(t *testing.T) {
	failing := &countingFailTool{}
	e := newTestExecutor(failing)

	out := e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "fail"}}, nil)

	if got := failing.callCount(); got != 1 {
		t.Errorf("tool called %d times, want 1 (failures are data, not errors)", got)
	}
	if out[0].Result.Success {
		t.Error("Success = true, want false")
	}
}

func TestExecutor_PanicsAreRetriedThenFail(t *testing.T) {
	e := newTestExecutor(panicTool{})

	out := e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "boom"}}, nil)

	res := out[0].Result
	if res.Success {
		t.Error("Success = true, want false")
	}
	if !strings.Contains(res.Error, "panicked") {
		t.Errorf("Error = %q, want panic wording", res.Error)
	}
}

func TestExecutor_TruncatesLongOutput(t *testing.T) {
	store := newMemStore()
	if err := store.SetConfig(context.Background(), "max_output_chars", "1000"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	r := NewRegistry()
	r.Register(bigOutputTool{size: 1500})
	e := NewExecutor(r, store)
	e.retryDelays = []time.Duration{0, 0}

	out := e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "big"}}, nil)

	got := out[0].Result.Output
	if !strings.HasSuffix(got, "… [truncated 500 chars]") {
		t.Errorf("output does not end with truncation marker: %q", got[len(got)-40:])
	}
	if n := len([]rune(strings.TrimSuffix(got, "… [truncated 500 chars]"))); n != 1000 {
		t.Errorf("kept %d runes, want 1000", n)
	}
}

// bigOutputTool returns size runes of output.
type bigOutputTool struct{ size int }

func (t bigOutputTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "big", Description: "Large output"}
}

func (t bigOutputTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	return Ok(strings.Repeat("x", t.size)), nil
}

// imageTool returns an image with oversized text output.
type imageTool struct{ size int }

func (t imageTool) Declaration() ToolDeclaration {
	return ToolDeclaration{Name: "shot", Description: "Returns an image"}
}

func (t imageTool) Execute(_ context.Context, _ json.RawMessage) (Result, error) {
	res := Ok(strings.Repeat("y", t.size))
	res.Images = []ImageData{{ID: "img1", MimeType: "image/png", Base64: "aGk="}}
	return res, nil
}

func TestExecutor_ImageResultsSkipTruncation(t *testing.T) {
	store := newMemStore()
	if err := store.SetConfig(context.Background(), "max_output_chars", "1000"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	r := NewRegistry()
	r.Register(imageTool{size: 5000})
	e := NewExecutor(r, store)

	out := e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "shot"}}, nil)

	res := out[0].Result
	if len(res.Output) != 5000 {
		t.Errorf("output length = %d, want untruncated 5000", len(res.Output))
	}
	if len(res.Images) != 1 {
		t.Errorf("images = %d, want 1", len(res.Images))
	}
}

func TestExecutor_EmitsHeartbeats(t *testing.T) {
	e := newTestExecutor(sleeperTool{d: 60 * time.Millisecond})
	e.hbEvery = 10 * time.Millisecond

	var mu sync.Mutex
	var beats int
	emit := func(ev Event) {
		if ev.Type == EventHeartbeat {
			mu.Lock()
			beats++
			mu.Unlock()
		}
	}
	e.Execute(context.Background(), []ToolCall{{ID: "1", Name: "sleeper"}}, emit)

	mu.Lock()
	defer mu.Unlock()
	if beats == 0 {
		t.Error("no heartbeat events while the batch was in flight")
	}
}

func TestExecutor_NormalizesArgsBeforeDispatch(t *testing.T) {
	e := newTestExecutor(echoTool{name: "file"})

	out := e.Execute(context.Background(), []ToolCall{
		{ID: "1", Name: "file", Args: rawArgs(`{"action":"save","filename":"a.txt"}`)},
	}, nil)

	got := out[0].Result.Output
	if !strings.Contains(got, `"action":"write"`) {
		t.Errorf("tool saw %q, want normalized action write", got)
	}
	if !strings.Contains(got, `"path":"a.txt"`) {
		t.Errorf("tool saw %q, want normalized path param", got)
	}
}

func TestExecutor_CancelledContextEndsRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	e := newTestExecutor(slowTool{})
	start := time.Now()
	out := e.Execute(ctx, []ToolCall{{ID: "1", Name: "slow"}}, nil)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("execute took %v, want prompt exit after cancellation", elapsed)
	}
	if out[0].Result.Success {
		t.Error("Success = true, want false for cancelled call")
	}
}

func TestExecutor_UnknownToolInBatch(t *testing.T) {
	e := newTestExecutor(echoTool{})

	out := e.Execute(context.Background(), []ToolCall{
		{ID: "1", Name: "echo", Args: rawArgs(`{}`)},
		{ID: "2", Name: "ghost", Args: rawArgs(`{}`)},
	}, nil)

	if !out[0].Result.Success {
		t.Error("echo call failed unexpectedly")
	}
	if out[1].Result.Success {
		t.Error("ghost call succeeded, want tool-not-found failure")
	}
	if !strings.Contains(out[1].Result.Error, "tool not found") {
		t.Errorf("Error = %q, want tool-not-found", out[1].Result.Error)
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("got %q, want unchanged", got)
	}
	got := TruncateOutput(strings.Repeat("a", 120), 100)
	want := strings.Repeat("a", 100) + "… [truncated 20 chars]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := TruncateOutput("anything", 0); got != "anything" {
		t.Errorf("max 0 should disable truncation, got %q", got)
	}
}

func TestTruncateOutput_RuneSafe(t *testing.T) {
	s := strings.Repeat("가", 50)
	got := TruncateOutput(s, 10)
	if !strings.HasPrefix(got, strings.Repeat("가", 10)) {
		t.Errorf("got %q, want 10 full runes kept", got)
	}
	if !strings.Contains(got, fmt.Sprintf("[truncated %d chars]", 40)) {
		t.Errorf("got %q, want 40 runes reported removed", got)
	}
}
