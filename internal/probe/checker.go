package probe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/telemetry"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Options configure a Checker.
type Options struct {
	BaseURL string
	// APIKey authenticates probes. Empty disables probing.
	APIKey string

	Concurrency int
	PassTimeout time.Duration
	// ProbeTimeout returns the per-probe deadline for a tier.
	ProbeTimeout func(catalog.Tier) time.Duration

	RateLimitedIsHealthy bool
	Prompt               string
	MaxTokens            int

	HTTPClient *http.Client
}

// Candidate is a classified model awaiting a probe.
type Candidate struct {
	Descriptor catalog.Descriptor
	Tier       catalog.Tier
}

// Checker probes models with a minimal chat completion.
type Checker struct {
	client  *openai.Client
	opts    Options
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewChecker(opts Options, metrics *telemetry.Metrics, logger *slog.Logger) *Checker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Prompt == "" {
		opts.Prompt = "hi"
	}
	if opts.MaxTokens < 1 {
		opts.MaxTokens = 1
	}
	if opts.ProbeTimeout == nil {
		opts.ProbeTimeout = func(catalog.Tier) time.Duration { return 15 * time.Second }
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	return &Checker{
		client:  openai.NewClientWithConfig(cfg),
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether probes are sent at all.
func (c *Checker) Enabled() bool {
	return c.opts.APIKey != ""
}

// Probe sends one synthetic request for d and classifies the outcome.
func (c *Checker) Probe(ctx context.Context, d catalog.Descriptor, tier catalog.Tier) catalog.HealthStatus {
	if !c.Enabled() {
		return c.assumed()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "probe.model", trace.WithAttributes(
		attribute.String("model", d.ID),
		attribute.String("tier", tier.String()),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout(tier))
	defer cancel()

	started := c.now()
	_, err := c.client.CreateChatCompletion(ctx, c.chatRequest(d.ID))
	status := c.classify(ctx, err, started)

	span.SetAttributes(attribute.String("reason", string(status.Reason)))
	if !status.IsHealthy() {
		span.SetStatus(codes.Error, status.Detail)
	}
	c.metrics.RecordProbe(tier, status)
	return status
}

// chatRequest builds the probe request for model. Reasoning model IDs
// (o1, o3, o4, gpt-5) are refused client-side when max_tokens is set, so the
// cap moves to max_completion_tokens for them.
func (c *Checker) chatRequest(model string) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: c.opts.Prompt},
		},
		MaxTokens: c.opts.MaxTokens,
	}
	if errors.Is(openai.NewReasoningValidator().Validate(req), openai.ErrReasoningModelMaxTokensDeprecated) {
		req.MaxCompletionTokens, req.MaxTokens = req.MaxTokens, 0
	}
	return req
}

// ProbeAll probes candidates concurrently, at most Concurrency at a time.
// The result slice is index-aligned with candidates. Anything still
// unresolved when the pass deadline fires is reported as a timeout.
func (c *Checker) ProbeAll(ctx context.Context, candidates []Candidate) []catalog.HealthStatus {
	results := make([]catalog.HealthStatus, len(candidates))
	if len(candidates) == 0 {
		return results
	}
	if !c.Enabled() {
		c.logger.Info("health checks disabled, admitting models unchecked", "models", len(candidates))
		for i := range results {
			results[i] = c.assumed()
		}
		return results
	}

	ctx, span := telemetry.Tracer().Start(ctx, "probe.pass", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("concurrency", c.opts.Concurrency),
	))
	defer span.End()

	passCtx, cancel := context.WithTimeout(ctx, c.opts.PassTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, cand := range candidates {
		if passCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if passCtx.Err() != nil {
				return nil
			}
			results[i] = c.Probe(passCtx, cand.Descriptor, cand.Tier)
			return nil
		})
	}
	_ = g.Wait()

	at := c.now()
	unresolved := 0
	for i := range results {
		if results[i].State == catalog.HealthUnknown {
			results[i] = catalog.UnhealthyStatus(catalog.ReasonTimeout, "health-check pass deadline exceeded", at, 0)
			c.metrics.RecordProbe(candidates[i].Tier, results[i])
			unresolved++
		}
	}
	if unresolved > 0 {
		c.logger.Warn("health-check pass deadline reached", "unresolved", unresolved, "total", len(candidates))
	}
	span.SetAttributes(attribute.Int("unresolved", unresolved))
	return results
}

func (c *Checker) assumed() catalog.HealthStatus {
	s := catalog.HealthyStatus(catalog.ReasonUnchecked, c.now(), 0)
	s.Assumed = true
	return s
}

func (c *Checker) classify(ctx context.Context, err error, started time.Time) catalog.HealthStatus {
	at := c.now()
	latency := at.Sub(started)
	if err == nil {
		return catalog.HealthyStatus(catalog.ReasonOK, at, latency)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return catalog.UnhealthyStatus(catalog.ReasonTimeout, err.Error(), at, latency)
	}

	code := statusCode(err)
	var reason catalog.ProbeReason
	switch {
	case code == http.StatusTooManyRequests:
		if c.opts.RateLimitedIsHealthy {
			return catalog.HealthyStatus(catalog.ReasonRateLimited, at, latency)
		}
		reason = catalog.ReasonRateLimited
	case code == http.StatusNotFound:
		reason = catalog.ReasonNotFound
	case code == http.StatusUnauthorized, code == http.StatusPaymentRequired, code == http.StatusForbidden:
		reason = catalog.ReasonRestricted
	case code >= 400 && code < 500:
		reason = catalog.ReasonBadRequest
	case code >= 500:
		reason = catalog.ReasonProviderError
	default:
		reason = catalog.ReasonTransport
	}
	return catalog.UnhealthyStatus(reason, err.Error(), at, latency)
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
