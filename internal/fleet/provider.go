package fleet

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	openai "github.com/sashabaranov/go-openai"
)

// ProviderSpec is the start-up configuration for one upstream
// OpenAI-compatible endpoint.
type ProviderSpec struct {
	Name                 string
	BaseURL              string
	Credential           string
	ConcurrencyCap       int
	TokenBudgetPerMinute int
	Models               []string
	SlotShare            float64
}

// Provider is a configured upstream endpoint, created once at
// start-up and held for the process lifetime. It owns the HTTP/2
// connection pool, the go-openai client, the per-provider concurrency
// permit semaphore, and the optional token-budget rate limiter.
type Provider struct {
	Name    string
	Models  []string
	Client  *openai.Client

	concurrencyCap int
	permits        chan struct{}
	tokenLimiter   *rate.Limiter

	breaker *circuitBreaker
}

// NewProvider constructs a Provider with a dedicated HTTP/2 transport:
// persistent connections per provider, idle connections capped to the
// provider's concurrency cap and timed out at 90s, matching the
// connection-pool requirement.
func NewProvider(spec ProviderSpec) (*Provider, error) {
	transport := &http.Transport{
		MaxIdleConns:        spec.ConcurrencyCap,
		MaxIdleConnsPerHost: spec.ConcurrencyCap,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Transport: transport}

	config := openai.DefaultConfig(spec.Credential)
	config.BaseURL = spec.BaseURL
	config.HTTPClient = httpClient
	client := openai.NewClientWithConfig(config)

	var limiter *rate.Limiter
	if spec.TokenBudgetPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(spec.TokenBudgetPerMinute)/60.0), spec.TokenBudgetPerMinute)
	}

	p := &Provider{
		Name:           spec.Name,
		Models:         spec.Models,
		Client:         client,
		concurrencyCap: spec.ConcurrencyCap,
		permits:        make(chan struct{}, spec.ConcurrencyCap),
		tokenLimiter:   limiter,
		breaker:        newCircuitBreaker(circuitBreakerConfig{}),
	}
	return p, nil
}

// InFlight reports the number of permits currently held, i.e. requests
// in flight against this provider.
func (p *Provider) InFlight() int {
	return len(p.permits)
}

// ConcurrencyCap returns the provider's configured concurrency cap.
func (p *Provider) ConcurrencyCap() int {
	return p.concurrencyCap
}

// LoadRatio is InFlight/ConcurrencyCap, the figure the Router's
// selection rule qualifies candidates against.
func (p *Provider) LoadRatio() float64 {
	if p.concurrencyCap == 0 {
		return 1
	}
	return float64(p.InFlight()) / float64(p.concurrencyCap)
}
