package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/config"
	"github.com/open-policy-agent/opa/rego"
)

const admissionQuery = "[data.tierproxy.admission.allow, data.tierproxy.admission.reason]"

// AdmissionInput is the document policies see as input.
type AdmissionInput struct {
	Model AdmissionModel `json:"model"`
	Time  AdmissionTime  `json:"time"`
}

type AdmissionModel struct {
	ID              string               `json:"id"`
	DisplayID       string               `json:"display_id"`
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	Provider        string               `json:"provider"`
	Tier            string               `json:"tier"`
	ContextLength   int64                `json:"context_length"`
	PromptPrice     string               `json:"prompt_price"`
	CompletionPrice string               `json:"completion_price"`
	Modality        string               `json:"modality"`
	Capabilities    catalog.Capabilities `json:"capabilities"`
}

type AdmissionTime struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// NewAdmissionInput builds the policy input for a classified model.
func NewAdmissionInput(d catalog.Descriptor, tier catalog.Tier, now time.Time) AdmissionInput {
	m := AdmissionModel{
		ID:           d.ID,
		DisplayID:    d.DisplayID(),
		Name:         d.Name,
		Description:  d.Description,
		Provider:     d.Provider(),
		Tier:         tier.String(),
		Capabilities: d.Capabilities(),
	}
	if d.ContextLength != nil {
		m.ContextLength = *d.ContextLength
	}
	if d.Pricing != nil {
		m.PromptPrice = d.Pricing.Prompt
		m.CompletionPrice = d.Pricing.Completion
	}
	if d.Architecture != nil {
		m.Modality = d.Architecture.Modality
	}
	now = now.UTC()
	return AdmissionInput{
		Model: m,
		Time:  AdmissionTime{Hour: now.Hour(), Day: now.Weekday().String()},
	}
}

// Evaluator decides whether a classified model may enter the catalog. It
// fails open: with no policy loaded, or on evaluation errors, models are admitted.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
	logger   *slog.Logger
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.PolicyConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, logger: logger}
}

func (e *Evaluator) Enabled() bool { return e.cfg().Enabled }

// Loaded reports whether a compiled policy is in place.
func (e *Evaluator) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prepared != nil
}

// Load compiles Rego modules from the configured directory.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := LoadRegoFiles(cfg.Path)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		e.logger.Warn("no rego files found, admitting all models", "path", cfg.Path)
		e.mu.Lock()
		e.prepared = nil
		e.mu.Unlock()
		return nil
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	e.logger.Info("admission policies loaded", "modules", len(modules), "path", cfg.Path)
	return nil
}

// LoadFromModules compiles policies from provided module sources.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(admissionQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against input. Without a loaded policy every
// model is allowed.
func (e *Evaluator) Evaluate(ctx context.Context, input AdmissionInput) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		return true, "", nil
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return true, "", fmt.Errorf("policy evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// allow/reason undefined: the policy does not speak to this model.
		return true, "", nil
	}

	arr, ok := results[0].Expressions[0].Value.([]any)
	if !ok || len(arr) < 2 {
		return true, "", fmt.Errorf("unexpected policy result %v", results[0].Expressions[0].Value)
	}
	allowed, ok := arr[0].(bool)
	if !ok {
		return true, "", fmt.Errorf("policy allow is %T, want bool", arr[0])
	}
	reason, _ := arr[1].(string)
	return allowed, reason, nil
}

// Admit evaluates d for tier and logs denials and failures.
func (e *Evaluator) Admit(ctx context.Context, d catalog.Descriptor, tier catalog.Tier) bool {
	if e == nil || !e.Enabled() {
		return true
	}
	allowed, reason, err := e.Evaluate(ctx, NewAdmissionInput(d, tier, time.Now()))
	if err != nil {
		e.logger.Error("admission policy failed, admitting model", "model", d.ID, "tier", tier, "error", err)
		return true
	}
	if !allowed {
		e.logger.Info("model denied by admission policy", "model", d.ID, "tier", tier, "reason", reason)
	}
	return allowed
}
