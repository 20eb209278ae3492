// Package wait implements the wait tool: a bounded, cancellable sleep the
// model can use to pause between polling steps.
package wait

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	alter "github.com/nevindra/alter"
)

const (
	minSeconds = 1
	maxSeconds = 60
)

// Tool sleeps for a model-chosen number of seconds.
type Tool struct{}

// New creates the wait tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "wait",
		Description: "Pause for a number of seconds (1-60) before continuing. Useful while waiting for a slow page or an external process.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"seconds":{"type":"integer","description":"Seconds to wait (1-60)"}
		},"required":["seconds"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Seconds int `json:"seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}

	secs := params.Seconds
	if secs < minSeconds {
		secs = minSeconds
	}
	if secs > maxSeconds {
		secs = maxSeconds
	}

	timer := time.NewTimer(time.Duration(secs) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return alter.Result{}, ctx.Err()
	case <-timer.C:
	}
	return alter.Ok(fmt.Sprintf("waited %d seconds", secs)), nil
}

var _ alter.Tool = (*Tool)(nil)
