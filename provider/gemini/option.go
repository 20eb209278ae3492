package gemini

import "net/http"

// Option configures a Gemini client.
type Option func(*Gemini)

// WithTopP sets nucleus sampling top-p (default 0.9). Zero omits it.
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithBaseURL overrides the API endpoint, mainly for tests and proxies.
func WithBaseURL(u string) Option {
	return func(g *Gemini) {
		if u != "" {
			g.baseURL = u
		}
	}
}
