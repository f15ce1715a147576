// Package graph turns a workflow's step list into ordered stages of steps
// that may run concurrently.
package graph

import (
	"fmt"
	"strings"

	"github.com/pitabwire/skillflow/model"
)

// Plan is the staged form of a step list.
type Plan struct {
	Groups []model.ExecutionGroup

	// Degraded is set when a cycle or a dependency on an unknown step stopped
	// the layering. Every step that could not be layered is then placed in its
	// own stage, in definition order, after the layered ones.
	Degraded bool

	// Unresolved lists the steps placed by the fallback.
	Unresolved []string
}

// Dependencies returns the effective dependency list of every step. A step
// whose DependsOn is nil depends on the step immediately before it, and the
// first step depends on nothing. An explicitly empty DependsOn marks a root
// step with no dependencies.
func Dependencies(steps []model.WorkflowStep) map[string][]string {
	deps := make(map[string][]string, len(steps))
	for i, s := range steps {
		switch {
		case s.DependsOn != nil:
			deps[s.ID] = append([]string(nil), s.DependsOn...)
		case i > 0:
			deps[s.ID] = []string{steps[i-1].ID}
		default:
			deps[s.ID] = nil
		}
	}
	return deps
}

// Build layers steps by repeatedly taking every not-yet-placed step whose
// dependencies have all been placed. It terminates for any input.
func Build(steps []model.WorkflowStep) Plan {
	var plan Plan
	if len(steps) == 0 {
		return plan
	}

	deps := Dependencies(steps)
	placed := make(map[string]bool, len(steps))
	remaining := make([]string, 0, len(steps))
	for _, s := range steps {
		remaining = append(remaining, s.ID)
	}

	for len(remaining) > 0 {
		var ready, rest []string
		for _, id := range remaining {
			if allPlaced(deps[id], placed) {
				ready = append(ready, id)
			} else {
				rest = append(rest, id)
			}
		}

		if len(ready) == 0 {
			plan.Degraded = true
			plan.Unresolved = append([]string(nil), remaining...)
			for _, id := range remaining {
				plan.Groups = append(plan.Groups, model.ExecutionGroup{
					Index:   len(plan.Groups),
					StepIDs: []string{id},
				})
			}
			break
		}

		plan.Groups = append(plan.Groups, model.ExecutionGroup{
			Index:   len(plan.Groups),
			StepIDs: ready,
		})
		for _, id := range ready {
			placed[id] = true
		}
		remaining = rest
	}

	return plan
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, d := range deps {
		if !placed[d] {
			return false
		}
	}
	return true
}

// BuildStages returns the ordered stages for steps.
func BuildStages(steps []model.WorkflowStep) []model.ExecutionGroup {
	return Build(steps).Groups
}

// HasParallelism reports whether any stage holds more than one step.
func HasParallelism(steps []model.WorkflowStep) bool {
	for _, g := range BuildStages(steps) {
		if len(g.StepIDs) > 1 {
			return true
		}
	}
	return false
}

// MaxParallelism returns the size of the largest stage, and at least 1.
func MaxParallelism(steps []model.WorkflowStep) int {
	n := 1
	for _, g := range BuildStages(steps) {
		n = max(n, len(g.StepIDs))
	}
	return n
}

// RenderPlan draws the stages as text, one numbered line per stage. Stages
// with several steps are listed under a [PARALLEL] marker.
func RenderPlan(steps []model.WorkflowStep) string {
	names := make(map[string]string, len(steps))
	for _, s := range steps {
		names[s.ID] = s.DisplayName()
	}

	var b strings.Builder
	b.WriteString("Execution Plan:\n")
	b.WriteString("===============")
	for i, g := range BuildStages(steps) {
		if len(g.StepIDs) == 1 {
			fmt.Fprintf(&b, "\n%d. %s", i+1, names[g.StepIDs[0]])
			continue
		}
		fmt.Fprintf(&b, "\n%d. [PARALLEL]", i+1)
		for _, id := range g.StepIDs {
			fmt.Fprintf(&b, "\n   ├─ %s", names[id])
		}
	}
	return b.String()
}
