// Package memory implements the memory tool, the model's handle on the
// store's long-term key-value memory. It adds nothing on top of the store;
// persistence rules live there.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	alter "github.com/nevindra/alter"
)

const defaultSearchLimit = 5

// Tool wraps the store's memory operations.
type Tool struct {
	store alter.Store
}

// New creates the memory tool.
func New(store alter.Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "memory",
		Description: "Long-term memory: store facts as key-value pairs, retrieve them by key, search by keywords, or delete them. Use for anything worth remembering across conversations.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"action":{"type":"string","enum":["store","get","search","delete","count"],"description":"Operation to perform"},
			"key":{"type":"string","description":"Memory key (store, get, delete)"},
			"value":{"type":"string","description":"Content to remember (store)"},
			"category":{"type":"string","description":"Grouping label, e.g. user, project, fact"},
			"importance":{"type":"integer","description":"1-10, higher survives pruning longer"},
			"query":{"type":"string","description":"Keywords to search for (search)"}
		},"required":["action"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Action     string `json:"action"`
		Key        string `json:"key"`
		Value      string `json:"value"`
		Category   string `json:"category"`
		Importance int    `json:"importance"`
		Query      string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}

	switch strings.ToLower(params.Action) {
	case "store":
		return t.storeMemory(ctx, params.Key, params.Value, params.Category, params.Importance)
	case "get":
		return t.get(ctx, params.Key)
	case "search":
		return t.search(ctx, params.Query)
	case "delete":
		return t.delete(ctx, params.Key)
	case "count":
		return t.count(ctx)
	default:
		return alter.Fail("unknown action: " + params.Action), nil
	}
}

func (t *Tool) storeMemory(ctx context.Context, key, value, category string, importance int) (alter.Result, error) {
	if key == "" {
		return alter.Fail("key is required"), nil
	}
	if value == "" {
		return alter.Fail("value is required"), nil
	}
	if importance == 0 {
		importance = 5
	}
	m := alter.Memory{
		Key:        key,
		Value:      value,
		Category:   category,
		Importance: importance,
		CreatedAt:  alter.NowUnix(),
		UpdatedAt:  alter.NowUnix(),
	}
	if err := t.store.UpsertMemory(ctx, m); err != nil {
		return failOrErr(ctx, "store", err)
	}
	return alter.Ok(fmt.Sprintf("remembered %q", key)), nil
}

func (t *Tool) get(ctx context.Context, key string) (alter.Result, error) {
	if key == "" {
		return alter.Fail("key is required"), nil
	}
	m, err := t.store.GetMemory(ctx, key)
	if errors.Is(err, alter.ErrNotFound) {
		return alter.Fail(fmt.Sprintf("no memory with key %q", key)), nil
	}
	if err != nil {
		return failOrErr(ctx, "get", err)
	}
	return alter.Ok(formatMemory(m)), nil
}

func (t *Tool) search(ctx context.Context, query string) (alter.Result, error) {
	if strings.TrimSpace(query) == "" {
		return alter.Fail("query is required"), nil
	}
	rows, err := t.store.SearchMemory(ctx, query, defaultSearchLimit)
	if err != nil {
		return failOrErr(ctx, "search", err)
	}
	if len(rows) == 0 {
		return alter.Ok("no matching memories"), nil
	}
	var b strings.Builder
	for i, m := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(formatMemory(m))
	}
	return alter.Ok(b.String()), nil
}

func (t *Tool) delete(ctx context.Context, key string) (alter.Result, error) {
	if key == "" {
		return alter.Fail("key is required"), nil
	}
	if err := t.store.DeleteMemory(ctx, key); err != nil {
		if errors.Is(err, alter.ErrNotFound) {
			return alter.Fail(fmt.Sprintf("no memory with key %q", key)), nil
		}
		return failOrErr(ctx, "delete", err)
	}
	return alter.Ok(fmt.Sprintf("forgot %q", key)), nil
}

func (t *Tool) count(ctx context.Context) (alter.Result, error) {
	n, err := t.store.CountMemory(ctx)
	if err != nil {
		return failOrErr(ctx, "count", err)
	}
	return alter.Ok(fmt.Sprintf("%d memories stored", n)), nil
}

func formatMemory(m alter.Memory) string {
	label := m.Key
	if m.Category != "" {
		label += " [" + m.Category + "]"
	}
	return fmt.Sprintf("%s: %s", label, m.Value)
}

// failOrErr keeps the errors-as-data contract: store failures become
// failure Results unless the invocation itself was cancelled.
func failOrErr(ctx context.Context, op string, err error) (alter.Result, error) {
	if ctx.Err() != nil {
		return alter.Result{}, ctx.Err()
	}
	return alter.Fail(op + ": " + err.Error()), nil
}

var _ alter.Tool = (*Tool)(nil)
