package skill

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/skillflow/internal/resolver"
	"github.com/pitabwire/skillflow/model"
)

// Key modes select who pays for generation.
const (
	KeyModePlatform = "platform"
	KeyModePersonal = "personal"
)

// PromptInvoker runs catalog skills by rendering their prompts and sending
// them to the provider registered for the run's key mode.
type PromptInvoker struct {
	catalog     *Catalog
	providers   map[string]Provider
	defaultMode string
	logger      *zap.Logger
}

// NewPromptInvoker creates an invoker over catalog. defaultMode is used when a
// run does not specify a key mode.
func NewPromptInvoker(catalog *Catalog, defaultMode string, logger *zap.Logger) *PromptInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMode == "" {
		defaultMode = KeyModePersonal
	}
	return &PromptInvoker{
		catalog:     catalog,
		providers:   make(map[string]Provider),
		defaultMode: defaultMode,
		logger:      logger,
	}
}

// SetProvider registers p for key mode. A later call replaces the earlier one.
func (p *PromptInvoker) SetProvider(mode string, prov Provider) {
	p.providers[mode] = prov
}

// Supports reports whether skillID is in the catalog.
func (p *PromptInvoker) Supports(skillID string) bool {
	_, ok := p.catalog.Get(skillID)
	return ok
}

// Render returns the completion request for a skill and resolved inputs.
func (p *PromptInvoker) Render(sk PromptSkill, inputs map[string]string, opts model.RunOptions) CompletionRequest {
	m := opts.Model
	if m == "" {
		m = sk.Config.Model
	}
	ns := resolver.NewNamespace(inputs, nil)
	return CompletionRequest{
		Model:        m,
		Provider:     opts.Provider,
		SystemPrompt: resolver.Interpolate(sk.Prompts.System, ns),
		Prompt:       resolver.Interpolate(sk.Prompts.UserTemplate, ns),
		MaxTokens:    sk.Config.MaxTokens,
		Temperature:  sk.Config.Temperature,
	}
}

// Invoke renders the skill and calls the provider for the run's key mode.
func (p *PromptInvoker) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	sk, ok := p.catalog.Get(req.SkillID)
	if !ok {
		return model.SkillResult{}, model.NewSkillNotFoundError(req.SkillID)
	}

	mode := req.Options.KeyMode
	if mode == "" {
		mode = p.defaultMode
	}
	prov, ok := p.providers[mode]
	if !ok {
		return model.SkillResult{}, model.NewBadRequestError(fmt.Sprintf("no provider configured for key mode %q", mode))
	}

	creq := p.Render(sk, req.Inputs, req.Options)
	p.logger.Debug("invoking prompt skill",
		zap.String("skill_id", sk.ID),
		zap.String("provider", prov.Name()),
		zap.String("key_mode", mode),
		zap.String("model", creq.Model),
		zap.String("execution_id", req.ExecutionID),
		zap.String("step_id", req.StepID),
	)

	resp, err := prov.Complete(ctx, creq)
	if err != nil {
		return model.SkillResult{}, err
	}
	return model.SkillResult{Output: resp.Output, Usage: resp.Usage}, nil
}
