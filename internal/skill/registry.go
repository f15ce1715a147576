// Package skill maps skill ids to the code that runs them: in-process
// handlers, or prompt templates sent to a text-generation provider, with
// circuit breaking per skill.
package skill

import (
	"context"

	"github.com/pitabwire/skillflow/model"
)

// Resolver is a model.SkillInvoker that can say up front which skills it runs.
type Resolver interface {
	model.SkillInvoker

	// Supports returns true if this resolver can run the given skill.
	Supports(skillID string) bool
}

// Registry holds all Resolver implementations and dispatches each invocation
// to the first one that supports the requested skill.
type Registry struct {
	resolvers []Resolver
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a resolver to the registry. Earlier registrations take
// precedence.
func (r *Registry) Register(res Resolver) {
	r.resolvers = append(r.resolvers, res)
}

// Supports reports whether any registered resolver runs skillID.
func (r *Registry) Supports(skillID string) bool {
	for _, res := range r.resolvers {
		if res.Supports(skillID) {
			return true
		}
	}
	return false
}

// Invoke finds the first registered resolver that supports the skill and
// delegates the call. Returns SKILL_NOT_FOUND if none does.
func (r *Registry) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	for _, res := range r.resolvers {
		if res.Supports(req.SkillID) {
			return res.Invoke(ctx, req)
		}
	}
	return model.SkillResult{}, model.NewSkillNotFoundError(req.SkillID)
}

// Missing returns the skill ids from ids that no resolver supports.
func (r *Registry) Missing(ids []string) []string {
	var missing []string
	for _, id := range ids {
		if !r.Supports(id) {
			missing = append(missing, id)
		}
	}
	return missing
}
