// Package llmgateway implements the MAS Core LLM Gateway (§4.6):
// a provider-agnostic Invoke(roleTag, request) surface multiplexing
// OpenAI, Anthropic, and Bedrock behind one contract, with role-tag
// routing, a fallback chain, circuit breakers per provider, and
// partial-usage-on-failure accounting. Grounded on the teacher's
// ai/interfaces.go AIClient contract and ai/provider.go's functional
// Provider/AIOption pattern, generalized from "one active provider"
// to "a routed roster of providers."
package llmgateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/logging"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/metrics"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/resilience"
	"github.com/MycosoftLabs/mycosoft-mas-sub011/telemetry"
)

// Request is a role-tagged LLM invocation (§4.6 data model). RoleTag
// selects a routing bucket ("planner", "summarizer", "coder", ...);
// the gateway maps it to a provider via Policy.
type Request struct {
	RoleTag     string
	Prompt      string
	SystemPrompt string
	MaxTokens   int
	Temperature float64
}

// Usage is token accounting for one call, reported even on failure
// when the provider returns partial usage (§7: "partial usage is
// recorded even when the call ultimately fails").
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is one gateway call's result.
type Response struct {
	Provider string
	Model    string
	Text     string
	Usage    Usage
	Latency  time.Duration
}

// Provider is the contract every concrete adapter (openai, anthropic,
// bedrock, mock) implements, mirroring the teacher's AIClient.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// RoutingPolicy assigns role tags to an ordered list of candidate
// providers (primary first, then fallbacks), the provider names from
// Config.FallbackChain (§4.6: "each role tag has a primary provider
// and a fallback chain").
type RoutingPolicy struct {
	ByRole        map[string]string // role tag -> primary provider name
	DefaultChain  []string          // fallback order when a role tag has no entry
}

// Gateway routes Requests to Providers, applying per-provider circuit
// breakers and retry, and falling back along the chain on failure.
type Gateway struct {
	providers map[string]Provider
	breakers  map[string]*resilience.Breaker
	policy    RoutingPolicy
	retryCfg  resilience.RetryConfig
	logger    logging.Logger
	metrics   metrics.Sink
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithPolicy(p RoutingPolicy) Option    { return func(g *Gateway) { g.policy = p } }
func WithRetryConfig(c resilience.RetryConfig) Option {
	return func(g *Gateway) { g.retryCfg = c }
}
func WithLogger(l logging.Logger) Option { return func(g *Gateway) { g.logger = l } }
func WithMetrics(m metrics.Sink) Option  { return func(g *Gateway) { g.metrics = m } }

// New builds a Gateway over the given providers, keyed by Provider.Name().
func New(providers []Provider, opts ...Option) *Gateway {
	g := &Gateway{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*resilience.Breaker),
		policy:    RoutingPolicy{ByRole: map[string]string{}},
		retryCfg:  resilience.DefaultRetryConfig(),
		logger:    logging.NoOp{},
		metrics:   metrics.NoOp{},
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
		g.breakers[p.Name()] = resilience.New(resilience.DefaultConfig(p.Name()))
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) chainFor(roleTag string) []string {
	var chain []string
	if primary, ok := g.policy.ByRole[roleTag]; ok {
		chain = append(chain, primary)
	}
	for _, p := range g.policy.DefaultChain {
		already := false
		for _, c := range chain {
			if c == p {
				already = true
				break
			}
		}
		if !already {
			chain = append(chain, p)
		}
	}
	return chain
}

// Invoke routes req along its role tag's provider chain, trying each
// candidate until one succeeds or the chain is exhausted (§4.6:
// "exhausting the fallback chain surfaces the last provider's error").
func (g *Gateway) Invoke(ctx context.Context, req Request) (resp Response, err error) {
	ctx, end := telemetry.StartSpan(ctx, "llmgateway.Invoke", attribute.String("role_tag", req.RoleTag))
	defer end(&err)

	ctx, corrID := correlation.FromOrNew(ctx)
	chain := g.chainFor(req.RoleTag)
	if len(chain) == 0 {
		return Response{}, errs.New("llmgateway.invoke", "validation", req.RoleTag, corrID, fmt.Errorf("%w: no provider configured for role %q", errs.ErrValidation, req.RoleTag))
	}

	var lastErr error
	var usage Usage
	for _, name := range chain {
		provider, ok := g.providers[name]
		if !ok {
			continue
		}
		breaker := g.breakers[name]

		resp, err := g.callOne(ctx, breaker, provider, req)
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		if err == nil {
			g.metrics.Counter("llm_calls_total", "provider", name, "model", resp.Model, "status", "ok")
			return resp, nil
		}
		lastErr = err
		g.metrics.Counter("llm_calls_total", "provider", name, "model", provider.Model(), "status", "error")
		g.logger.WarnContext(ctx, "llm provider failed, trying fallback", map[string]interface{}{
			"provider": name, "role_tag": req.RoleTag, "error": err.Error(),
		})
	}
	return Response{Usage: usage}, errs.New("llmgateway.invoke", "provider_unavailable", req.RoleTag, corrID, fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, lastErr))
}

func (g *Gateway) callOne(ctx context.Context, breaker *resilience.Breaker, provider Provider, req Request) (Response, error) {
	var resp Response
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, g.retryCfg, func(ctx context.Context, attempt int) error {
			start := time.Now()
			r, err := provider.Complete(ctx, req)
			r.Latency = time.Since(start)
			resp = r
			g.metrics.EmitWithContext(ctx, "llm_call_duration_seconds", r.Latency.Seconds(), "provider", provider.Name(), "model", provider.Model())
			return err
		})
	})
	return resp, err
}
