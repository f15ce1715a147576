package model

import "context"

// SkillInvoker is the uniform interface the orchestrator uses to run a skill.
// Any non-nil error is treated as a step failure.
type SkillInvoker interface {
	Invoke(ctx context.Context, req SkillRequest) (SkillResult, error)
}

// SkillRequest is one invocation of a skill with fully resolved inputs.
type SkillRequest struct {
	SkillID     string            `json:"skill_id"`
	Inputs      map[string]string `json:"inputs"`
	Options     RunOptions        `json:"options"`
	ExecutionID string            `json:"execution_id,omitempty"`
	StepID      string            `json:"step_id,omitempty"`
}

// SkillResult is the text produced by a skill.
type SkillResult struct {
	Output string `json:"output"`
	Usage  Usage  `json:"usage,omitempty"`
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
