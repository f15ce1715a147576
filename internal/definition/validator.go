package definition

import (
	"fmt"
	"sort"

	"github.com/pitabwire/skillflow/internal/graph"
	"github.com/pitabwire/skillflow/internal/resolver"
	"github.com/pitabwire/skillflow/model"
)

// SeverityWarning marks a VError that does not prevent registration.
const SeverityWarning = "warning"

// VError describes a single validation error in a definition.
type VError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// IsWarning reports whether e is advisory only.
func (e VError) IsWarning() bool {
	return e.Severity == SeverityWarning
}

// HasErrors reports whether errs contains anything other than warnings.
func HasErrors(errs []VError) bool {
	for _, e := range errs {
		if !e.IsWarning() {
			return true
		}
	}
	return false
}

// Validator validates workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	_, errs := v.Accept(defs)
	return errs
}

// Accept validates all definition files and returns the workflows that are
// free of errors, together with every problem found. Workflows with errors
// are left out. A workflow ID already accepted from an earlier file is
// reported as a duplicate.
func (v *Validator) Accept(defs []model.DefinitionFile) ([]model.Workflow, []VError) {
	var (
		accepted []model.Workflow
		all      []VError
	)
	seen := make(map[string]string)

	for i, def := range defs {
		for j, w := range def.Workflows {
			prefix := fmt.Sprintf("definitions[%d].workflows[%d]", i, j)
			errs := v.ValidateWorkflow(prefix, w)
			if w.ID != "" {
				if first, dup := seen[w.ID]; dup {
					errs = append(errs, VError{
						Path:    prefix + ".id",
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("workflow %q already defined at %s", w.ID, first),
					})
				}
			}
			all = append(all, errs...)
			if HasErrors(errs) {
				continue
			}
			seen[w.ID] = prefix
			accepted = append(accepted, w)
		}
	}
	return accepted, all
}

var validInputTypes = map[string]bool{
	model.InputTypeText: true, model.InputTypeTextarea: true, model.InputTypeSelect: true,
}

var validBackoffs = map[string]bool{
	model.BackoffFixed: true, model.BackoffLinear: true, model.BackoffExponential: true,
}

// ValidateWorkflow checks a single workflow. Every reference from a step must
// point at a step strictly earlier in the sequence. Step outputs and condition
// sources must also come from a transitive dependency, so the referenced step
// always runs in an earlier stage.
func (v *Validator) ValidateWorkflow(prefix string, w model.Workflow) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	globals := make(map[string]bool, len(w.GlobalInputs))
	for i, in := range w.GlobalInputs {
		ip := fmt.Sprintf("%s.global_inputs[%d]", prefix, i)
		switch {
		case in.ID == "":
			errs = append(errs, VError{Path: ip + ".id", Code: "REQUIRED", Message: "input id is required"})
		case globals[in.ID]:
			errs = append(errs, VError{Path: ip + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate input id %q", in.ID)})
		}
		globals[in.ID] = true

		if in.Type != "" && !validInputTypes[in.Type] {
			errs = append(errs, VError{Path: ip + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid input type %q", in.Type)})
		}
		if in.Type == model.InputTypeSelect && len(in.Options) == 0 {
			errs = append(errs, VError{Path: ip + ".options", Code: "REQUIRED", Message: "select inputs require options"})
		}
	}

	position := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		if s.ID != "" {
			if _, dup := position[s.ID]; !dup {
				position[s.ID] = i
			}
		}
	}

	ancestors := ancestorSets(w.Steps)
	outputKeys := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)

		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if position[s.ID] != i {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		if s.SkillID == "" {
			errs = append(errs, VError{Path: sp + ".skill_id", Code: "REQUIRED", Message: "skill_id is required"})
		}

		if s.OutputKey == "" {
			errs = append(errs, VError{Path: sp + ".output_key", Code: "REQUIRED", Message: "output_key is required"})
		} else if _, dup := outputKeys[s.OutputKey]; dup {
			errs = append(errs, VError{Path: sp + ".output_key", Code: "DUPLICATE", Message: fmt.Sprintf("output_key %q is already used", s.OutputKey)})
		} else {
			outputKeys[s.OutputKey] = i
			if globals[s.OutputKey] {
				errs = append(errs, VError{
					Path:     sp + ".output_key",
					Code:     "NAME_COLLISION",
					Message:  fmt.Sprintf("output_key %q shadows a global input in templates; the global input wins", s.OutputKey),
					Severity: SeverityWarning,
				})
			}
		}

		for j, dep := range s.DependsOn {
			dp := fmt.Sprintf("%s.depends_on[%d]", sp, j)
			errs = append(errs, checkEarlier(dp, dep, i, position)...)
		}

		params := make([]string, 0, len(s.InputMappings))
		for p := range s.InputMappings {
			params = append(params, p)
		}
		sort.Strings(params)
		for _, p := range params {
			mp := fmt.Sprintf("%s.input_mappings.%s", sp, p)
			errs = append(errs, v.validateSource(mp, s.InputMappings[p], i, w, globals, position, outputKeys, ancestors[s.ID])...)
		}

		if s.Condition != nil {
			errs = append(errs, validateCondition(sp+".condition", *s.Condition, i, position, ancestors[s.ID])...)
		}

		if s.TimeoutMS < 0 {
			errs = append(errs, VError{Path: sp + ".timeout_ms", Code: "RANGE", Message: "timeout_ms must not be negative"})
		}
		if s.Retry != nil {
			if s.Retry.MaxAttempts < 1 {
				errs = append(errs, VError{Path: sp + ".retry.max_attempts", Code: "RANGE", Message: "max_attempts must be at least 1"})
			}
			if s.Retry.Backoff != "" && !validBackoffs[s.Retry.Backoff] {
				errs = append(errs, VError{Path: sp + ".retry.backoff", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid backoff %q", s.Retry.Backoff)})
			}
			if s.Retry.InitialDelayMS < 0 || s.Retry.MaxDelayMS < 0 {
				errs = append(errs, VError{Path: sp + ".retry", Code: "RANGE", Message: "retry delays must not be negative"})
			}
		}
	}

	return errs
}

func checkEarlier(path, ref string, index int, position map[string]int) []VError {
	pos, ok := position[ref]
	if !ok {
		return []VError{{Path: path, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", ref)}}
	}
	if pos >= index {
		return []VError{{Path: path, Code: "REF_ORDER", Message: fmt.Sprintf("step %q must appear before the referencing step", ref)}}
	}
	return nil
}

// ancestorSets returns, per step id, every step it transitively depends on.
func ancestorSets(steps []model.WorkflowStep) map[string]map[string]bool {
	deps := graph.Dependencies(steps)
	out := make(map[string]map[string]bool, len(steps))
	var visit func(id string, seen map[string]bool)
	visit = func(id string, seen map[string]bool) {
		for _, d := range deps[id] {
			if seen[d] {
				continue
			}
			seen[d] = true
			visit(d, seen)
		}
	}
	for _, s := range steps {
		seen := make(map[string]bool)
		visit(s.ID, seen)
		out[s.ID] = seen
	}
	return out
}

func checkDependency(path, ref string, ancestors map[string]bool) []VError {
	if ancestors[ref] {
		return nil
	}
	return []VError{{
		Path:    path,
		Code:    "REF_NOT_DEPENDENCY",
		Message: fmt.Sprintf("step %q is not a dependency of the referencing step and may not have run yet", ref),
	}}
}

func (v *Validator) validateSource(path string, src model.InputSource, index int, w model.Workflow, globals map[string]bool, position, outputKeys map[string]int, ancestors map[string]bool) []VError {
	if err := src.Validate(); err != nil {
		return []VError{{Path: path, Code: "INVALID_SOURCE", Message: err.Error()}}
	}

	switch src.Type {
	case model.SourceGlobal:
		if !globals[src.InputID] {
			return []VError{{Path: path + ".input_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("global input %q not found", src.InputID)}}
		}
	case model.SourcePrevious:
		if errs := checkEarlier(path+".step_id", src.StepID, index, position); errs != nil {
			return errs
		}
		if errs := checkDependency(path+".step_id", src.StepID, ancestors); errs != nil {
			return errs
		}
		if ref := w.Steps[position[src.StepID]]; ref.OutputKey != src.OutputKey {
			return []VError{{
				Path:    path + ".output_key",
				Code:    "REF_MISMATCH",
				Message: fmt.Sprintf("step %q publishes %q, not %q", src.StepID, ref.OutputKey, src.OutputKey),
			}}
		}
	case model.SourceComputed:
		var errs []VError
		for _, name := range resolver.Placeholders(src.Template) {
			if globals[name] {
				continue
			}
			if pos, ok := outputKeys[name]; ok && pos < index && ancestors[w.Steps[pos].ID] {
				continue
			}
			errs = append(errs, VError{
				Path:     path + ".template",
				Code:     "UNRESOLVED_PLACEHOLDER",
				Message:  fmt.Sprintf("{{%s}} does not name a global input or the output of a dependency; it may resolve to empty", name),
				Severity: SeverityWarning,
			})
		}
		return errs
	}
	return nil
}

func validateCondition(path string, c model.StepCondition, index int, position map[string]int, ancestors map[string]bool) []VError {
	var errs []VError
	if c.SourceStep == "" {
		errs = append(errs, VError{Path: path + ".source_step", Code: "REQUIRED", Message: "source_step is required"})
	} else {
		refErrs := checkEarlier(path+".source_step", c.SourceStep, index, position)
		if refErrs == nil {
			refErrs = checkDependency(path+".source_step", c.SourceStep, ancestors)
		}
		errs = append(errs, refErrs...)
	}
	if !c.Operator.Valid() {
		errs = append(errs, VError{Path: path + ".operator", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid operator %q", c.Operator)})
	} else if c.Operator.NeedsValue() && c.Value == "" && c.Operator != model.OpEquals && c.Operator != model.OpNotEquals {
		errs = append(errs, VError{Path: path + ".value", Code: "REQUIRED", Message: fmt.Sprintf("operator %q requires a value", c.Operator)})
	}
	return errs
}
