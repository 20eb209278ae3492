package alter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket gates work behind a refillable budget. Refill is pro-rata
// over elapsed time and capped at capacity.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket builds a bucket refilled at tokensPerInterval every
// interval, holding at most capacity tokens. The bucket starts full.
func NewTokenBucket(tokensPerInterval int, interval time.Duration, capacity int) *TokenBucket {
	if tokensPerInterval < 1 {
		tokensPerInterval = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if capacity < 1 {
		capacity = tokensPerInterval
	}
	limit := rate.Limit(float64(tokensPerInterval) / interval.Seconds())
	return &TokenBucket{limiter: rate.NewLimiter(limit, capacity)}
}

// Acquire blocks until n tokens are available or ctx is done. The wait is
// computed deterministically from the current deficit.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}

// TryAcquire takes n tokens without blocking, reporting whether it got them.
func (b *TokenBucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Consume debits n tokens without blocking, going into deficit when the
// budget is short; subsequent Acquire calls wait the debt out. Used for
// costs only known after the fact, like response token counts.
func (b *TokenBucket) Consume(n int) {
	if n <= 0 {
		return
	}
	if burst := b.limiter.Burst(); n > burst {
		n = burst
	}
	b.limiter.ReserveN(time.Now(), n)
}

// --- usage accounting ---

// APIUsage is a snapshot of one API's counters.
type APIUsage struct {
	Requests    int64 `json:"requests"`
	Tokens      int64 `json:"tokens"`
	Errors      int64 `json:"errors"`
	LastRequest int64 `json:"last_request"` // unix seconds, 0 = never
}

// UsageAccountant tracks per-API request, token, and error counters.
type UsageAccountant struct {
	mu   sync.Mutex
	apis map[string]*APIUsage
}

// NewUsageAccountant creates an empty accountant.
func NewUsageAccountant() *UsageAccountant {
	return &UsageAccountant{apis: make(map[string]*APIUsage)}
}

// Record notes one request against api: tokens consumed and whether it failed.
func (u *UsageAccountant) Record(api string, tokens int, failed bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	usage, ok := u.apis[api]
	if !ok {
		usage = &APIUsage{}
		u.apis[api] = usage
	}
	usage.Requests++
	usage.Tokens += int64(tokens)
	if failed {
		usage.Errors++
	}
	usage.LastRequest = NowUnix()
}

// Snapshot returns a copy of all counters.
func (u *UsageAccountant) Snapshot() map[string]APIUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]APIUsage, len(u.apis))
	for name, usage := range u.apis {
		out[name] = *usage
	}
	return out
}

// Report renders the counters as one line per API, sorted by name, so the
// output is deterministic for a given state.
func (u *UsageAccountant) Report() string {
	snap := u.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		usage := snap[name]
		last := "never"
		if usage.LastRequest > 0 {
			last = time.Unix(usage.LastRequest, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&sb, "%s: %d requests, %d tokens, %d errors, last %s\n",
			name, usage.Requests, usage.Tokens, usage.Errors, last)
	}
	return sb.String()
}

// --- provider decorator ---

// limitedProvider wraps a Provider with proactive rate limiting and usage
// accounting. Requests block until the request budget allows them; token
// spend is debited after the fact, so the request that exceeds the token
// budget completes and subsequent requests wait.
type limitedProvider struct {
	inner      Provider
	requests   *TokenBucket
	tokens     *TokenBucket
	accountant *UsageAccountant
}

// RateLimitOption configures a limitedProvider.
type RateLimitOption func(*limitedProvider)

// RequestsPerMinute caps the request rate.
func RequestsPerMinute(n int) RateLimitOption {
	return func(l *limitedProvider) { l.requests = NewTokenBucket(n, time.Minute, n) }
}

// TokensPerMinute caps combined input+output token throughput.
func TokensPerMinute(n int) RateLimitOption {
	return func(l *limitedProvider) { l.tokens = NewTokenBucket(n, time.Minute, n) }
}

// WithUsageAccounting records every request into a.
func WithUsageAccounting(a *UsageAccountant) RateLimitOption {
	return func(l *limitedProvider) { l.accountant = a }
}

// WithRateLimit wraps p with rate limiting. Compose with other wrappers:
//
//	llm = alter.WithRateLimit(provider, alter.RequestsPerMinute(60))
//	llm = alter.WithRateLimit(alter.WithRetry(provider), alter.RequestsPerMinute(60), alter.TokensPerMinute(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	l := &limitedProvider{inner: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *limitedProvider) Name() string { return l.inner.Name() }

func (l *limitedProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if l.requests != nil {
		if err := l.requests.Acquire(ctx, 1); err != nil {
			return Response{}, err
		}
	}
	resp, err := l.inner.Generate(ctx, req)
	total := resp.Usage.Total()
	if l.accountant != nil {
		l.accountant.Record(l.inner.Name(), total, err != nil)
	}
	if err == nil && l.tokens != nil {
		l.tokens.Consume(total)
	}
	return resp, err
}

// compile-time check
var _ Provider = (*limitedProvider)(nil)
