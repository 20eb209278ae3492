package alter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// sameInputThreshold: identical (tool, input) calls in a row before a warning.
	sameInputThreshold = 3
	// sameToolThreshold: same-tool calls in a row (any input) before a warning.
	sameToolThreshold = 10
	// stuckHistoryCap bounds the retained call history.
	stuckHistoryCap = 50
)

// StuckVerdict is the outcome of one detector check.
type StuckVerdict struct {
	IsStuck         bool
	ShouldTerminate bool
	Message         string
}

type stuckRecord struct {
	tool        string
	fingerprint string
}

// StuckDetector watches the sequence of tool calls in one agent run and
// decides when the agent is spinning. It is not safe for concurrent use;
// each run owns its own detector.
type StuckDetector struct {
	maxIterations int
	iterations    int
	history       []stuckRecord
}

// NewStuckDetector creates a detector. maxIterations is clamped to [1, 1000].
func NewStuckDetector(maxIterations int) *StuckDetector {
	if maxIterations < 1 {
		maxIterations = 1
	}
	if maxIterations > 1000 {
		maxIterations = 1000
	}
	return &StuckDetector{maxIterations: maxIterations}
}

// Record notes one tool call. The iteration counter is monotonic; history
// is bounded.
func (d *StuckDetector) Record(tool string, input json.RawMessage) {
	d.iterations++
	d.history = append(d.history, stuckRecord{tool: tool, fingerprint: Fingerprint(input)})
	if len(d.history) > stuckHistoryCap {
		d.history = d.history[len(d.history)-stuckHistoryCap:]
	}
}

// Iterations returns how many calls have been recorded.
func (d *StuckDetector) Iterations() int { return d.iterations }

// Check evaluates the history. Verdicts, in priority order: iteration budget
// exhausted (terminate), identical input repeated (warn), single tool
// overused (warn).
func (d *StuckDetector) Check() StuckVerdict {
	if d.iterations >= d.maxIterations {
		return StuckVerdict{
			IsStuck:         true,
			ShouldTerminate: true,
			Message:         fmt.Sprintf("reached max %d iterations", d.maxIterations),
		}
	}
	if rec, ok := d.tailSame(sameInputThreshold, true); ok {
		return StuckVerdict{
			IsStuck: true,
			Message: fmt.Sprintf("called %s with identical input %d times in a row, change approach", rec.tool, sameInputThreshold),
		}
	}
	if rec, ok := d.tailSame(sameToolThreshold, false); ok {
		return StuckVerdict{
			IsStuck: true,
			Message: fmt.Sprintf("used %s %d times in a row, try another tool", rec.tool, sameToolThreshold),
		}
	}
	return StuckVerdict{}
}

// tailSame reports whether the last n records share a tool name, and a
// fingerprint too when matchInput is set.
func (d *StuckDetector) tailSame(n int, matchInput bool) (stuckRecord, bool) {
	if len(d.history) < n {
		return stuckRecord{}, false
	}
	tail := d.history[len(d.history)-n:]
	first := tail[0]
	for _, r := range tail[1:] {
		if r.tool != first.tool {
			return stuckRecord{}, false
		}
		if matchInput && r.fingerprint != first.fingerprint {
			return stuckRecord{}, false
		}
	}
	return first, true
}

// Fingerprint returns a stable hash of a tool call's argument bytes.
// It is used only for equality.
func Fingerprint(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:8])
}
