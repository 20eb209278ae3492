// Package knowledge implements the knowledge tool: durable reference
// material the agent saves for itself, retrieved by vector similarity.
// Unlike memory's key-value facts, knowledge rows are prose entries found
// during investigation, searched semantically rather than by keyword.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	alter "github.com/nevindra/alter"
)

const (
	defaultTopK      = 5
	summaryLimit     = 200
	defaultRecentCap = 10
)

// Tool saves and searches knowledge rows, embedding content through the
// configured embed function.
type Tool struct {
	store alter.Store
	embed alter.EmbedFunc
}

// New creates the knowledge tool. embed turns content into vectors for the
// store's similarity index.
func New(store alter.Store, embed alter.EmbedFunc) *Tool {
	return &Tool{store: store, embed: embed}
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "knowledge",
		Description: "Knowledge base: save reference material you discovered (articles, findings, how-tos) and search it later by meaning, not just keywords. Use memory for short facts; use knowledge for substantial content worth re-reading.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"action":{"type":"string","enum":["save","search","recent"],"description":"Operation to perform"},
			"content":{"type":"string","description":"Material to save (save)"},
			"source":{"type":"string","description":"Where the content came from, e.g. a URL (save)"},
			"importance":{"type":"integer","description":"1-10, higher survives pruning longer"},
			"query":{"type":"string","description":"What to look for (search)"},
			"limit":{"type":"integer","description":"Max results (search, recent)"}
		},"required":["action"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Action     string `json:"action"`
		Content    string `json:"content"`
		Source     string `json:"source"`
		Importance int    `json:"importance"`
		Query      string `json:"query"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}

	switch strings.ToLower(params.Action) {
	case "save":
		return t.save(ctx, params.Content, params.Source, params.Importance)
	case "search":
		return t.search(ctx, params.Query, params.Limit)
	case "recent":
		return t.recent(ctx, params.Limit)
	default:
		return alter.Fail("unknown action: " + params.Action), nil
	}
}

func (t *Tool) save(ctx context.Context, content, source string, importance int) (alter.Result, error) {
	if strings.TrimSpace(content) == "" {
		return alter.Fail("content is required"), nil
	}
	if importance == 0 {
		importance = 5
	}
	if importance < 1 || importance > 10 {
		return alter.Fail("importance must be 1-10"), nil
	}

	vector, err := t.embed(ctx, content)
	if err != nil {
		return failOrErr(ctx, "embed", err)
	}

	k := alter.Knowledge{
		ID:         alter.NewID(),
		Content:    content,
		Summary:    alter.SummarizeText(content, summaryLimit),
		Source:     source,
		Importance: importance,
		CreatedAt:  alter.NowUnix(),
	}
	if err := t.store.SaveKnowledge(ctx, k, vector); err != nil {
		return failOrErr(ctx, "save", err)
	}
	return alter.Ok(fmt.Sprintf("saved knowledge %s", k.ID)), nil
}

func (t *Tool) search(ctx context.Context, query string, limit int) (alter.Result, error) {
	if strings.TrimSpace(query) == "" {
		return alter.Fail("query is required"), nil
	}
	if limit <= 0 {
		limit = defaultTopK
	}

	vector, err := t.embed(ctx, query)
	if err != nil {
		return failOrErr(ctx, "embed", err)
	}
	rows, err := t.store.SearchKnowledge(ctx, vector, limit)
	if err != nil {
		return failOrErr(ctx, "search", err)
	}
	if len(rows) == 0 {
		return alter.Ok("no matching knowledge"), nil
	}
	return alter.Ok(formatRows(rows)), nil
}

func (t *Tool) recent(ctx context.Context, limit int) (alter.Result, error) {
	if limit <= 0 {
		limit = defaultRecentCap
	}
	rows, err := t.store.RecentKnowledge(ctx, limit)
	if err != nil {
		return failOrErr(ctx, "recent", err)
	}
	if len(rows) == 0 {
		return alter.Ok("knowledge base is empty"), nil
	}
	return alter.Ok(formatRows(rows)), nil
}

func formatRows(rows []alter.Knowledge) string {
	var b strings.Builder
	for i, k := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, k.Summary)
		if k.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", k.Source)
		}
	}
	return b.String()
}

// failOrErr keeps the errors-as-data contract: store and embed failures
// become failure Results unless the invocation itself was cancelled.
func failOrErr(ctx context.Context, op string, err error) (alter.Result, error) {
	if ctx.Err() != nil {
		return alter.Result{}, ctx.Err()
	}
	return alter.Fail(op + ": " + err.Error()), nil
}

var _ alter.Tool = (*Tool)(nil)
