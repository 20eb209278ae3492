package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	alter "github.com/nevindra/alter"
)

// NewEmbedder returns an alter.EmbedFunc backed by the embedContent
// endpoint. dims sets outputDimensionality; zero leaves the model default.
func NewEmbedder(apiKey, model string, dims int, opts ...Option) alter.EmbedFunc {
	g := New(apiKey, model, opts...)
	return func(ctx context.Context, text string) ([]float32, error) {
		return g.embed(ctx, text, dims)
	}
}

func (g *Gemini) embed(ctx context.Context, text string, dims int) ([]float32, error) {
	body := map[string]any{
		"content": map[string]any{
			"parts": []map[string]any{{"text": text}},
		},
	}
	if dims > 0 {
		body["outputDimensionality"] = dims
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, g.wrapErr("marshal embed body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, g.wrapErr("create embed request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.wrapErr("embed request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, g.wrapErr("read embed response: " + err.Error())
	}
	if err := classifyStatus("gemini", resp, respBody); err != nil {
		return nil, err
	}

	var parsed struct {
		Embedding *struct {
			Values []float64 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, g.wrapErr("parse embed response: " + err.Error())
	}
	if parsed.Embedding == nil || len(parsed.Embedding.Values) == 0 {
		return nil, g.wrapErr("missing embedding.values in response")
	}

	vec := make([]float32, len(parsed.Embedding.Values))
	for i, v := range parsed.Embedding.Values {
		vec[i] = float32(v)
	}
	return vec, nil
}
