package model

import (
	"fmt"
	"time"
)

// DefinitionFile is the root structure of a workflow definition file. A file
// may declare any number of workflows.
type DefinitionFile struct {
	Version   string     `yaml:"version"   json:"version"`
	Workflows []Workflow `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Workflow is a named, ordered list of steps plus the global inputs the user
// supplies before the run starts.
type Workflow struct {
	ID              string         `yaml:"id"               json:"id"`
	Name            string         `yaml:"name"             json:"name"`
	Description     string         `yaml:"description"      json:"description,omitempty"`
	LongDescription string         `yaml:"long_description" json:"long_description,omitempty"`
	EstimatedTime   string         `yaml:"estimated_time"   json:"estimated_time,omitempty"`
	Outputs         []string       `yaml:"outputs"          json:"outputs,omitempty"`
	GlobalInputs    []GlobalInput  `yaml:"global_inputs"    json:"global_inputs"`
	Steps           []WorkflowStep `yaml:"steps"            json:"steps"`

	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (WorkflowStep, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// RequiredInputs returns the ids of global inputs marked required, in
// declaration order.
func (w *Workflow) RequiredInputs() []string {
	var ids []string
	for _, in := range w.GlobalInputs {
		if in.Required {
			ids = append(ids, in.ID)
		}
	}
	return ids
}

// Global input field types.
const (
	InputTypeText     = "text"
	InputTypeTextarea = "textarea"
	InputTypeSelect   = "select"
)

// GlobalInput is a value the user supplies once per run.
type GlobalInput struct {
	ID          string   `yaml:"id"          json:"id"`
	Label       string   `yaml:"label"       json:"label"`
	Type        string   `yaml:"type"        json:"type"`
	Required    bool     `yaml:"required"    json:"required"`
	Options     []string `yaml:"options"     json:"options,omitempty"`
	Placeholder string   `yaml:"placeholder" json:"placeholder,omitempty"`
	HelpText    string   `yaml:"help_text"   json:"help_text,omitempty"`
	Default     string   `yaml:"default"     json:"default,omitempty"`
}

// WorkflowStep is one invocation of a skill within a workflow.
type WorkflowStep struct {
	ID             string                 `yaml:"id"              json:"id"`
	Name           string                 `yaml:"name"            json:"name"`
	Description    string                 `yaml:"description"     json:"description,omitempty"`
	SkillID        string                 `yaml:"skill_id"        json:"skill_id"`
	InputMappings  map[string]InputSource `yaml:"input_mappings"  json:"input_mappings"`
	OutputKey      string                 `yaml:"output_key"      json:"output_key"`
	DependsOn      []string               `yaml:"depends_on"      json:"depends_on"`
	Condition      *StepCondition         `yaml:"condition"       json:"condition,omitempty"`
	Optional       bool                   `yaml:"optional"        json:"optional,omitempty"`
	ReviewRequired bool                   `yaml:"review_required" json:"review_required,omitempty"`
	TimeoutMS      int                    `yaml:"timeout_ms"      json:"timeout_ms,omitempty"`
	Retry          *RetryPolicy           `yaml:"retry"           json:"retry,omitempty"`
}

// DisplayName returns the step name, falling back to its id.
func (s WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Timeout returns the per-step timeout, or zero when unset.
func (s WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Input source kinds.
const (
	SourceGlobal   = "global"
	SourceStatic   = "static"
	SourcePrevious = "previous"
	SourceComputed = "computed"
)

// InputSource describes where a step parameter's value comes from. Exactly one
// of the payload fields is meaningful, selected by Type.
type InputSource struct {
	Type      string `yaml:"type"       json:"type"`
	InputID   string `yaml:"input_id"   json:"input_id,omitempty"`
	StepID    string `yaml:"step_id"    json:"step_id,omitempty"`
	OutputKey string `yaml:"output_key" json:"output_key,omitempty"`
	Value     string `yaml:"value"      json:"value,omitempty"`
	Template  string `yaml:"template"   json:"template,omitempty"`
}

// FromGlobal maps a parameter to a global input.
func FromGlobal(inputID string) InputSource {
	return InputSource{Type: SourceGlobal, InputID: inputID}
}

// FromPrevious maps a parameter to an earlier step's published output.
func FromPrevious(stepID, outputKey string) InputSource {
	return InputSource{Type: SourcePrevious, StepID: stepID, OutputKey: outputKey}
}

// FromStatic maps a parameter to a literal value.
func FromStatic(value string) InputSource {
	return InputSource{Type: SourceStatic, Value: value}
}

// FromComputed maps a parameter to a {{name}} template.
func FromComputed(template string) InputSource {
	return InputSource{Type: SourceComputed, Template: template}
}

// Validate checks that the variant tag is known and its payload is present.
// A static value may legitimately be empty.
func (s InputSource) Validate() error {
	switch s.Type {
	case SourceGlobal:
		if s.InputID == "" {
			return fmt.Errorf("global source requires input_id")
		}
	case SourcePrevious:
		if s.StepID == "" || s.OutputKey == "" {
			return fmt.Errorf("previous source requires step_id and output_key")
		}
	case SourceStatic:
	case SourceComputed:
		if s.Template == "" {
			return fmt.Errorf("computed source requires template")
		}
	default:
		return fmt.Errorf("unknown input source type %q", s.Type)
	}
	return nil
}

// ConditionOperator is the comparison applied by a StepCondition.
type ConditionOperator string

// Supported condition operators.
const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "notEquals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "notContains"
	OpGreaterThan ConditionOperator = "greaterThan"
	OpLessThan    ConditionOperator = "lessThan"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "notExists"
)

// Valid reports whether op is a known operator.
func (op ConditionOperator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpExists, OpNotExists:
		return true
	}
	return false
}

// NeedsValue reports whether the operator compares against a value.
func (op ConditionOperator) NeedsValue() bool {
	return op != OpExists && op != OpNotExists
}

// StepCondition gates a step on the output of an earlier step.
type StepCondition struct {
	SourceStep string            `yaml:"source_step" json:"source_step"`
	Field      string            `yaml:"field"       json:"field,omitempty"`
	Operator   ConditionOperator `yaml:"operator"    json:"operator"`
	Value      string            `yaml:"value"       json:"value,omitempty"`
}

// Backoff kinds for RetryPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy controls how often a failed skill invocation is retried.
type RetryPolicy struct {
	MaxAttempts    int    `yaml:"max_attempts"     json:"max_attempts"`
	Backoff        string `yaml:"backoff"          json:"backoff,omitempty"`
	InitialDelayMS int    `yaml:"initial_delay_ms" json:"initial_delay_ms,omitempty"`
	MaxDelayMS     int    `yaml:"max_delay_ms"     json:"max_delay_ms,omitempty"`
}

// ExecutionGroup is one stage of a plan: steps that may run concurrently.
type ExecutionGroup struct {
	Index   int      `json:"index"`
	StepIDs []string `json:"step_ids"`
}
