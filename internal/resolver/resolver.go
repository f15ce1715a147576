// Package resolver computes the concrete parameter values a workflow step is
// invoked with, from global inputs, earlier step outputs, literals, and
// {{name}} templates.
package resolver

import (
	"regexp"
	"strings"

	"github.com/pitabwire/skillflow/model"
)

// Namespace is the set of values visible to a step: the run's global inputs
// and the outputs published by completed or skipped steps, keyed by outputKey.
type Namespace struct {
	Globals map[string]string
	Outputs map[string]string
}

// NewNamespace returns a namespace over the given maps. Nil maps are allowed.
func NewNamespace(globals, outputs map[string]string) Namespace {
	return Namespace{Globals: globals, Outputs: outputs}
}

// Lookup returns the value bound to name. Global inputs shadow step outputs.
func (ns Namespace) Lookup(name string) (string, bool) {
	if v, ok := ns.Globals[name]; ok {
		return v, true
	}
	v, ok := ns.Outputs[name]
	return v, ok
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces every {{name}} token in template with its value from ns.
// Unknown names become the empty string. Substituted text is never scanned
// again, so a value containing {{x}} is inserted verbatim.
func Interpolate(template string, ns Namespace) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(tok string) string {
		m := placeholderPattern.FindStringSubmatch(tok)
		v, _ := ns.Lookup(m[1])
		return v
	})
}

// Placeholders returns the distinct names referenced by template, in order of
// first appearance.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

// ResolveSource computes the value of a single input source.
func ResolveSource(src model.InputSource, ns Namespace) string {
	switch src.Type {
	case model.SourceGlobal:
		return ns.Globals[src.InputID]
	case model.SourcePrevious:
		return ns.Outputs[src.OutputKey]
	case model.SourceStatic:
		return src.Value
	case model.SourceComputed:
		return Interpolate(src.Template, ns)
	}
	return ""
}

// Resolve computes every parameter of step. It never fails: missing
// references resolve to "".
func Resolve(step model.WorkflowStep, ns Namespace) map[string]string {
	out := make(map[string]string, len(step.InputMappings))
	for param, src := range step.InputMappings {
		out[param] = ResolveSource(src, ns)
	}
	return out
}

// Preview resolves every step of wf against the given global inputs only, as
// they would look before any step has produced output.
func Preview(wf model.Workflow, globals map[string]string) map[string]map[string]string {
	ns := NewNamespace(globals, nil)
	out := make(map[string]map[string]string, len(wf.Steps))
	for _, step := range wf.Steps {
		out[step.ID] = Resolve(step, ns)
	}
	return out
}

// RedactInputs shortens long values for logging.
func RedactInputs(inputs map[string]string, limit int) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if r := []rune(v); limit > 0 && len(r) > limit {
			v = string(r[:limit]) + "..."
		}
		out[k] = v
	}
	return out
}
