package skill

import (
	"context"
	"sort"
	"strings"

	"github.com/pitabwire/skillflow/internal/resolver"
	"github.com/pitabwire/skillflow/model"
)

// Built-in handler ids.
const (
	BuiltinJoin     = "text.join"
	BuiltinTemplate = "text.template"
)

// RegisterBuiltins adds the text handlers that ship with the service. They
// let workflows merge or reshape earlier outputs without a model call.
func RegisterBuiltins(r *HandlerRegistry) {
	r.Register(HandlerFunc(BuiltinJoin, joinInputs))
	r.Register(HandlerFunc(BuiltinTemplate, renderTemplate))
}

// joinInputs concatenates the non-blank inputs in parameter-name order. The
// optional "separator" parameter defaults to a blank line.
func joinInputs(_ context.Context, req model.SkillRequest) (model.SkillResult, error) {
	sep, ok := req.Inputs["separator"]
	if !ok {
		sep = "\n\n"
	}

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		if name != "separator" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		if v := strings.TrimSpace(req.Inputs[name]); v != "" {
			parts = append(parts, v)
		}
	}
	return model.SkillResult{Output: strings.Join(parts, sep)}, nil
}

// renderTemplate fills the "template" parameter's {{name}} placeholders from
// the other parameters.
func renderTemplate(_ context.Context, req model.SkillRequest) (model.SkillResult, error) {
	tmpl, ok := req.Inputs["template"]
	if !ok {
		return model.SkillResult{}, model.NewBadRequestError(`text.template requires a "template" input`)
	}
	vars := make(map[string]string, len(req.Inputs))
	for k, v := range req.Inputs {
		if k != "template" {
			vars[k] = v
		}
	}
	return model.SkillResult{Output: resolver.Interpolate(tmpl, resolver.NewNamespace(vars, nil))}, nil
}
