// Package web implements the web tool: HTTP(S) fetches of model-chosen
// URLs. Every target and every redirect hop passes the netguard policy,
// identity-bearing request headers are stripped, response bodies are
// size-capped, and HTML is reduced to readable text.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"

	alter "github.com/nevindra/alter"
	"github.com/nevindra/alter/internal/netguard"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "Mozilla/5.0 (compatible; AlterBot/1.0)"
)

// strippedHeaders never pass from the model to the wire. The fetch runs with
// the agent's ambient identity only.
var strippedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"host":                true,
	"content-length":      true,
	"x-forwarded-for":     true,
	"x-real-ip":           true,
}

var allowedMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
	http.MethodPost: true,
}

// Tool fetches URLs through a netguard-validated client.
type Tool struct {
	guard   *netguard.Guard
	client  *http.Client
	maxBody int64
}

// Option configures the Tool.
type Option func(*Tool)

// WithHTTPClient substitutes the HTTP client. The guard's redirect check is
// reattached so policy survives the swap.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithMaxBody overrides the response body cap.
func WithMaxBody(n int64) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxBody = n
		}
	}
}

// New creates the web tool over the given guard.
func New(guard *netguard.Guard, opts ...Option) *Tool {
	t := &Tool{
		guard:   guard,
		client:  &http.Client{Timeout: defaultTimeout},
		maxBody: maxBodyBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.client.CheckRedirect = guard.CheckRedirect
	return t
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "web",
		Description: "Fetch a URL over HTTP(S) and return its readable text content. Supports GET, HEAD, and POST. Credential headers are not forwarded; internal addresses are unreachable.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"url":{"type":"string","description":"URL to fetch (http or https)"},
			"method":{"type":"string","enum":["GET","HEAD","POST"],"description":"HTTP method, default GET"},
			"headers":{"type":"object","description":"Extra request headers","additionalProperties":{"type":"string"}},
			"body":{"type":"string","description":"Request body for POST"}
		},"required":["url"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}
	if params.URL == "" {
		return alter.Fail("url is required"), nil
	}

	method := strings.ToUpper(strings.TrimSpace(params.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return alter.Fail("method not allowed: " + method), nil
	}

	target, err := t.guard.ValidateURL(ctx, params.URL)
	if err != nil {
		return alter.Fail(err.Error()), nil
	}

	var reqBody io.Reader
	if params.Body != "" && method == http.MethodPost {
		reqBody = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return alter.Fail("build request: " + err.Error()), nil
	}
	req.Header.Set("User-Agent", userAgent)
	for name, value := range params.Headers {
		if strippedHeaders[strings.ToLower(strings.TrimSpace(name))] {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return alter.Result{}, ctx.Err()
		}
		return alter.Fail("fetch: " + err.Error()), nil
	}
	defer resp.Body.Close()

	if method == http.MethodHead {
		return alter.Ok(fmt.Sprintf("HTTP %d, content-type: %s, content-length: %s",
			resp.StatusCode, resp.Header.Get("Content-Type"), resp.Header.Get("Content-Length"))), nil
	}

	body, truncated, err := readCapped(resp.Body, t.maxBody)
	if err != nil {
		return alter.Fail("read response: " + err.Error()), nil
	}

	content := renderBody(target, resp.Header.Get("Content-Type"), body)
	if truncated {
		content += fmt.Sprintf("\n... (response capped at %d bytes)", t.maxBody)
	}

	if resp.StatusCode >= 400 {
		res := alter.Fail(fmt.Sprintf("HTTP %d from %s", resp.StatusCode, target.String()))
		res.Output = head(content, 2000)
		return res, nil
	}
	if content == "" {
		content = "(empty response)"
	}
	return alter.Ok(content), nil
}

// readCapped reads at most max bytes and reports whether more remained.
func readCapped(r io.Reader, max int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return data[:max], true, nil
	}
	return data, false, nil
}

// renderBody turns the response into model-consumable text. HTML goes
// through readability with a tag-strip fallback; other text passes through;
// binary payloads are described, not dumped.
func renderBody(u *url.URL, contentType string, body []byte) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		html := string(body)
		if article, err := readability.FromReader(strings.NewReader(html), u); err == nil && article.TextContent != "" {
			return strings.TrimSpace(article.TextContent)
		}
		return stripHTML(html)
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "javascript"),
		ct == "":
		return strings.TrimSpace(string(body))
	default:
		return fmt.Sprintf("(binary response: %s, %d bytes)", contentType, len(body))
	}
}

// stripHTML is the fallback for pages readability cannot parse: drop tags,
// skip script/style bodies, collapse whitespace runs.
func stripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s) / 2)

	inTag, skip := false, false
	var tag strings.Builder
	lastSpace := true
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case inTag:
			if r == '>' {
				inTag = false
				name := ""
				if f := strings.Fields(tag.String()); len(f) > 0 {
					name = strings.ToLower(f[0])
				}
				switch name {
				case "script", "style":
					skip = true
				case "/script", "/style":
					skip = false
				}
				if !lastSpace {
					b.WriteByte(' ')
					lastSpace = true
				}
			} else {
				tag.WriteRune(r)
			}
		case skip:
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ alter.Tool = (*Tool)(nil)
