package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/observability"
)

// Request is everything Execute needs to run one subtask against a
// remote model.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Output is the successful result of one Execute call.
type Output struct {
	Text         string
	TokensUsed   int
	FinishReason string
	Model        string
}

// cacheable reports whether a request may be served from, or written
// to, the response cache: only deterministic, non-streaming calls are
// eligible.
func (r Request) cacheable() bool {
	return r.Temperature == 0
}

// Config is the fully resolved start-up configuration for the fleet:
// one entry per configured provider, and the total slot count to
// distribute across them by SlotShare.
type Config struct {
	WorkerCount   int
	Providers     []ProviderSpec
	CacheEnabled  bool
	CacheTTL      time.Duration
	CacheBackend  string // memory, redis
	RedisAddr     string
}

// Fleet is the agent fleet: the fixed worker-slot registry bound to
// providers at start-up, plus the connection pools, retry/backoff,
// rate limiting, circuit breaking, and response cache around Execute.
type Fleet struct {
	slots     []*Slot
	providers map[string]*Provider
	cache     ResponseCache
	cacheTTL  time.Duration

	metrics *observability.MetricsCollector
	logger  observability.Logger
}

// New builds the fleet: constructs one Provider (and its connection
// pool) per configured spec, then allocates WorkerCount slots across
// providers proportionally to SlotShare.
func New(cfg Config, metrics *observability.MetricsCollector, logger observability.Logger) (*Fleet, error) {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}

	f := &Fleet{
		providers: make(map[string]*Provider, len(cfg.Providers)),
		metrics:   metrics,
		logger:    logger,
		cacheTTL:  cfg.CacheTTL,
	}

	if cfg.CacheEnabled {
		switch cfg.CacheBackend {
		case "redis":
			f.cache = NewRedisResponseCache(cfg.RedisAddr)
		default:
			f.cache = NewMemoryResponseCache()
		}
	}

	for _, spec := range cfg.Providers {
		p, err := NewProvider(spec)
		if err != nil {
			return nil, ferrors.Wrap("fleet", "New", err)
		}
		f.providers[spec.Name] = p
	}

	slotID := 0
	remaining := cfg.WorkerCount
	specs := cfg.Providers
	for i, spec := range specs {
		share := int(float64(cfg.WorkerCount) * spec.SlotShare)
		if i == len(specs)-1 {
			share = remaining
		}
		if share > remaining {
			share = remaining
		}
		provider := f.providers[spec.Name]
		model := ""
		if len(spec.Models) > 0 {
			model = spec.Models[0]
		}
		for n := 0; n < share; n++ {
			slotID++
			f.slots = append(f.slots, newSlot(slotID, provider, model))
		}
		remaining -= share
	}

	return f, nil
}

// Slots returns every worker slot in the registry, for the Router to
// inspect load and success rate.
func (f *Fleet) Slots() []*Slot {
	return f.slots
}

// SlotsForProvider returns the slots bound to a named provider.
func (f *Fleet) SlotsForProvider(provider string) []*Slot {
	var out []*Slot
	for _, s := range f.slots {
		if s.Provider.Name == provider {
			out = append(out, s)
		}
	}
	return out
}

// Provider looks up a configured provider by name.
func (f *Fleet) Provider(name string) (*Provider, bool) {
	p, ok := f.providers[name]
	return p, ok
}

// AcquireSlot blocks until an Idle slot bound to provider becomes
// available, reserving it, or returns Cancelled if ctx ends first.
func (f *Fleet) AcquireSlot(ctx context.Context, provider string) (*Slot, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, s := range f.slots {
			if s.Provider.Name != provider {
				continue
			}
			if s.tryReserve() {
				return s, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ferrors.Wrap("fleet", "AcquireSlot", ferrors.ErrCancelled)
		case <-ticker.C:
		}
	}
}

// Release returns a reserved slot to Idle without running a call,
// used when dispatch is abandoned after acquisition (e.g. the owning
// task was cancelled before the HTTP call began).
func (f *Fleet) Release(s *Slot) {
	s.mu.Lock()
	s.state = SlotIdle
	s.mu.Unlock()
}

// Execute runs one subtask against slot's provider. It holds one of
// the provider's concurrency permits for the call, takes one unit from
// the provider's per-minute budget limiter per call (the limiter
// counts calls, not model tokens), retries failed calls with
// exponential backoff and jitter, and serves/populates the response
// cache for deterministic requests. When retries are exhausted the
// slot cools for a fixed 1s; no retry-after hint is read from 429
// responses.
func (f *Fleet) Execute(ctx context.Context, s *Slot, req Request) (*Output, error) {
	s.markInFlight()
	provider := s.Provider

	body, err := json.Marshal(req)
	if err != nil {
		s.markCooling(time.Now())
		return nil, ferrors.Wrap("fleet", "Execute", err)
	}

	var cacheKey string
	if f.cache != nil && req.cacheable() {
		cacheKey = CacheKey(provider.Name, req.Model, body)
		if cached, ok := f.cache.Get(ctx, cacheKey); ok {
			var out Output
			if json.Unmarshal(cached, &out) == nil {
				s.markSuccess(0)
				return &out, nil
			}
		}
	}

	select {
	case provider.permits <- struct{}{}:
		defer func() { <-provider.permits }()
	case <-ctx.Done():
		s.markCooling(time.Now())
		return nil, ferrors.Wrap("fleet", "Execute", ferrors.ErrCancelled)
	}

	if provider.tokenLimiter != nil {
		if err := provider.tokenLimiter.Wait(ctx); err != nil {
			s.markCooling(time.Now())
			return nil, ferrors.Wrap("fleet", "Execute", ferrors.ErrRateLimited)
		}
	}

	if err := provider.breaker.allow(); err != nil {
		s.markCooling(time.Now().Add(5 * time.Second))
		return nil, err
	}

	policy := defaultRetryPolicy()
	var out *Output
	start := time.Now()

	retryErr := retryWithBackoff(ctx, policy, func(attempt int, delay time.Duration) {
		if f.metrics != nil {
			f.metrics.RecordProviderRetry(provider.Name, "transient")
		}
		f.logger.Warn("provider call retrying", observability.String("provider", provider.Name), observability.Int("attempt", attempt), observability.Duration("delay", delay))
	}, func(attempt int) (time.Duration, error) {
		o, retryAfter, callErr := f.callOnce(ctx, provider, req)
		if callErr == nil {
			out = o
			provider.breaker.recordSuccess()
			return 0, nil
		}
		provider.breaker.recordFailure()
		return retryAfter, callErr
	})

	if f.metrics != nil {
		f.metrics.RecordProviderCall(provider.Name, req.Model, time.Since(start))
	}

	if retryErr != nil {
		if f.metrics != nil {
			f.metrics.RecordProviderError(provider.Name, "exhausted")
		}
		s.markCooling(time.Now().Add(1 * time.Second))
		return nil, retryErr
	}

	s.markSuccess(time.Since(start))

	if f.cache != nil && req.cacheable() && cacheKey != "" {
		if payload, err := json.Marshal(out); err == nil {
			_ = f.cache.Set(ctx, cacheKey, payload, f.cacheTTL)
		}
	}

	return out, nil
}

// callOnce issues exactly one HTTP request. A non-zero retry-after
// return overrides the caller's computed backoff.
func (f *Fleet) callOnce(ctx context.Context, provider *Provider, req Request) (*Output, time.Duration, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	resp, err := provider.Client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, rateLimitRetryAfter(err), ferrors.Wrap("fleet", "callOnce", fmt.Errorf("%w: %v", ferrors.ErrTransientUpstream, err))
	}
	if len(resp.Choices) == 0 {
		return nil, 0, ferrors.Wrap("fleet", "callOnce", ferrors.ErrTransientUpstream)
	}

	return &Output{
		Text:         resp.Choices[0].Message.Content,
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(resp.Choices[0].FinishReason),
		Model:        resp.Model,
	}, 0, nil
}

// rateLimitRetryAfter always returns 0: go-openai's APIError carries
// the status code but not the response headers, so no retry-after
// hint is read and the caller's computed backoff applies.
func rateLimitRetryAfter(err error) time.Duration {
	var apiErr *openai.APIError
	if !asAPIError(err, &apiErr) {
		return 0
	}
	if apiErr.HTTPStatusCode != 429 {
		return 0
	}
	// go-openai does not surface response headers; a provider-specific
	// body code would be parsed here if present. Absent a hint, the
	// caller doubles the base backoff per the honouring requirement.
	return 0
}

func asAPIError(err error, target **openai.APIError) bool {
	for err != nil {
		if ae, ok := err.(*openai.APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
