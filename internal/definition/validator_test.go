package definition

import (
	"testing"

	"github.com/pitabwire/skillflow/model"
)

func validWorkflow() model.Workflow {
	return model.Workflow{
		ID:   "job-application",
		Name: "Job Application Package",
		GlobalInputs: []model.GlobalInput{
			{ID: "jobDescription", Label: "Job Description", Type: model.InputTypeTextarea, Required: true},
			{ID: "seniority", Label: "Seniority", Type: model.InputTypeSelect, Options: []string{"junior", "senior"}},
		},
		Steps: []model.WorkflowStep{
			{
				ID:        "analyze",
				Name:      "Analyze",
				SkillID:   "job-analyzer",
				OutputKey: "analysis",
				InputMappings: map[string]model.InputSource{
					"jd": model.FromGlobal("jobDescription"),
				},
			},
			{
				ID:        "tailor",
				SkillID:   "resume-tailor",
				OutputKey: "resume",
				DependsOn: []string{"analyze"},
				InputMappings: map[string]model.InputSource{
					"analysis": model.FromPrevious("analyze", "analysis"),
					"level":    model.FromStatic("senior"),
					"summary":  model.FromComputed("{{seniority}}: {{analysis}}"),
				},
				Condition: &model.StepCondition{SourceStep: "analyze", Field: "score", Operator: model.OpGreaterThan, Value: "50"},
			},
		},
	}
}

func file(workflows ...model.Workflow) []model.DefinitionFile {
	return []model.DefinitionFile{{Version: "1", Workflows: workflows}}
}

func findError(errs []VError, path, code string) bool {
	for _, e := range errs {
		if e.Path == path && e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator()
	errs := v.Validate(file(validWorkflow()))
	if len(errs) > 0 {
		for _, e := range errs {
			t.Errorf("unexpected error: %s [%s]", e.Error(), e.Code)
		}
	}
}

func TestValidator_errors(t *testing.T) {
	const p = "definitions[0].workflows[0]"
	tests := []struct {
		name   string
		mutate func(w *model.Workflow)
		path   string
		code   string
	}{
		{"missing id", func(w *model.Workflow) { w.ID = "" }, p + ".id", "REQUIRED"},
		{"missing name", func(w *model.Workflow) { w.Name = "" }, p + ".name", "REQUIRED"},
		{"no steps", func(w *model.Workflow) { w.Steps = nil }, p + ".steps", "REQUIRED"},
		{"duplicate input", func(w *model.Workflow) { w.GlobalInputs[1].ID = "jobDescription" }, p + ".global_inputs[1].id", "DUPLICATE"},
		{"bad input type", func(w *model.Workflow) { w.GlobalInputs[0].Type = "checkbox" }, p + ".global_inputs[0].type", "INVALID_ENUM"},
		{"select without options", func(w *model.Workflow) { w.GlobalInputs[1].Options = nil }, p + ".global_inputs[1].options", "REQUIRED"},
		{"duplicate step id", func(w *model.Workflow) { w.Steps[1].ID = "analyze" }, p + ".steps[1].id", "DUPLICATE"},
		{"missing skill", func(w *model.Workflow) { w.Steps[0].SkillID = "" }, p + ".steps[0].skill_id", "REQUIRED"},
		{"missing output key", func(w *model.Workflow) { w.Steps[0].OutputKey = "" }, p + ".steps[0].output_key", "REQUIRED"},
		{"duplicate output key", func(w *model.Workflow) { w.Steps[1].OutputKey = "analysis" }, p + ".steps[1].output_key", "DUPLICATE"},
		{"unknown dependency", func(w *model.Workflow) { w.Steps[1].DependsOn = []string{"ghost"} }, p + ".steps[1].depends_on[0]", "REF_NOT_FOUND"},
		{"forward dependency", func(w *model.Workflow) { w.Steps[0].DependsOn = []string{"tailor"} }, p + ".steps[0].depends_on[0]", "REF_ORDER"},
		{"self dependency", func(w *model.Workflow) { w.Steps[1].DependsOn = []string{"tailor"} }, p + ".steps[1].depends_on[0]", "REF_ORDER"},
		{"unknown global", func(w *model.Workflow) {
			w.Steps[0].InputMappings["jd"] = model.FromGlobal("nope")
		}, p + ".steps[0].input_mappings.jd.input_id", "REF_NOT_FOUND"},
		{"forward previous", func(w *model.Workflow) {
			w.Steps[0].InputMappings["x"] = model.FromPrevious("tailor", "resume")
		}, p + ".steps[0].input_mappings.x.step_id", "REF_ORDER"},
		{"previous key mismatch", func(w *model.Workflow) {
			w.Steps[1].InputMappings["analysis"] = model.FromPrevious("analyze", "wrong")
		}, p + ".steps[1].input_mappings.analysis.output_key", "REF_MISMATCH"},
		{"malformed source", func(w *model.Workflow) {
			w.Steps[1].InputMappings["level"] = model.InputSource{Type: "env"}
		}, p + ".steps[1].input_mappings.level", "INVALID_SOURCE"},
		{"condition forward", func(w *model.Workflow) {
			w.Steps[1].Condition.SourceStep = "tailor"
		}, p + ".steps[1].condition.source_step", "REF_ORDER"},
		{"condition source in the same stage", func(w *model.Workflow) {
			w.Steps[1].DependsOn = []string{}
		}, p + ".steps[1].condition.source_step", "REF_NOT_DEPENDENCY"},
		{"previous from the same stage", func(w *model.Workflow) {
			w.Steps[1].DependsOn = []string{}
		}, p + ".steps[1].input_mappings.analysis.step_id", "REF_NOT_DEPENDENCY"},
		{"condition operator", func(w *model.Workflow) {
			w.Steps[1].Condition.Operator = "matches"
		}, p + ".steps[1].condition.operator", "INVALID_ENUM"},
		{"condition missing value", func(w *model.Workflow) {
			w.Steps[1].Condition.Value = ""
		}, p + ".steps[1].condition.value", "REQUIRED"},
		{"negative timeout", func(w *model.Workflow) { w.Steps[0].TimeoutMS = -1 }, p + ".steps[0].timeout_ms", "RANGE"},
		{"retry attempts", func(w *model.Workflow) {
			w.Steps[0].Retry = &model.RetryPolicy{MaxAttempts: 0}
		}, p + ".steps[0].retry.max_attempts", "RANGE"},
		{"retry backoff", func(w *model.Workflow) {
			w.Steps[0].Retry = &model.RetryPolicy{MaxAttempts: 2, Backoff: "random"}
		}, p + ".steps[0].retry.backoff", "INVALID_ENUM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(&w)
			errs := NewValidator().Validate(file(w))
			if !findError(errs, tt.path, tt.code) {
				t.Errorf("expected %s at %s, got %v", tt.code, tt.path, errs)
			}
			if !HasErrors(errs) {
				t.Error("HasErrors() = false, want true")
			}
		})
	}
}

func TestValidator_warnings(t *testing.T) {
	w := validWorkflow()
	w.Steps[0].OutputKey = "seniority"
	w.Steps[1].InputMappings["analysis"] = model.FromPrevious("analyze", "seniority")
	w.Steps[1].InputMappings["summary"] = model.FromComputed("{{missing}}")

	errs := NewValidator().Validate(file(w))

	const p = "definitions[0].workflows[0]"
	if !findError(errs, p+".steps[0].output_key", "NAME_COLLISION") {
		t.Errorf("expected NAME_COLLISION, got %v", errs)
	}
	if !findError(errs, p+".steps[1].input_mappings.summary.template", "UNRESOLVED_PLACEHOLDER") {
		t.Errorf("expected UNRESOLVED_PLACEHOLDER, got %v", errs)
	}
	if HasErrors(errs) {
		t.Errorf("warnings only expected, got %v", errs)
	}
}

func TestValidator_Accept(t *testing.T) {
	good := validWorkflow()
	bad := validWorkflow()
	bad.ID = "broken"
	bad.Steps[0].DependsOn = []string{"tailor"}
	dup := validWorkflow()

	accepted, errs := NewValidator().Accept([]model.DefinitionFile{
		{Workflows: []model.Workflow{good, bad}},
		{Workflows: []model.Workflow{dup}},
	})

	if len(accepted) != 1 || accepted[0].ID != "job-application" {
		t.Fatalf("Accept() = %v, want only job-application", accepted)
	}
	if !findError(errs, "definitions[1].workflows[0].id", "DUPLICATE") {
		t.Errorf("expected duplicate workflow error, got %v", errs)
	}
}

func TestValidator_testdata(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/workflows", "testdata/invalid"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	accepted, errs := NewValidator().Accept(defs)
	if len(accepted) != 1 || accepted[0].ID != "job-application" {
		ids := make([]string, 0, len(accepted))
		for _, w := range accepted {
			ids = append(ids, w.ID)
		}
		t.Fatalf("accepted = %v, want [job-application]", ids)
	}
	if !HasErrors(errs) {
		t.Error("the forward-reference fixture should produce errors")
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "definitions[0].workflows[0].id", Code: "REQUIRED", Message: "id is required"}
	want := "definitions[0].workflows[0].id: id is required"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidator_transitiveDependencies(t *testing.T) {
	w := validWorkflow()
	w.Steps = append(w.Steps, model.WorkflowStep{
		ID:        "letter",
		SkillID:   "cover-letter",
		OutputKey: "letter",
		DependsOn: []string{"tailor"},
		InputMappings: map[string]model.InputSource{
			"analysis": model.FromPrevious("analyze", "analysis"),
			"context":  model.FromComputed("{{analysis}} / {{resume}}"),
		},
		Condition: &model.StepCondition{SourceStep: "analyze", Operator: model.OpExists},
	})

	if errs := NewValidator().Validate(file(w)); len(errs) > 0 {
		t.Errorf("references through a dependency chain should be accepted, got %v", errs)
	}

	// A root step sees no earlier outputs, so a template naming one warns.
	w.Steps[2].DependsOn = []string{}
	w.Steps[2].InputMappings = map[string]model.InputSource{"context": model.FromComputed("{{resume}}")}
	w.Steps[2].Condition = nil
	errs := NewValidator().Validate(file(w))
	const p = "definitions[0].workflows[0]"
	if !findError(errs, p+".steps[2].input_mappings.context.template", "UNRESOLVED_PLACEHOLDER") {
		t.Errorf("expected UNRESOLVED_PLACEHOLDER, got %v", errs)
	}
	if HasErrors(errs) {
		t.Errorf("warnings only expected, got %v", errs)
	}
}
