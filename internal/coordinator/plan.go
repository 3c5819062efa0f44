package coordinator

import (
	"encoding/json"
	"fmt"
)

// SubtaskSpec is one planned child task parsed out of a decomposition
// task's result.
type SubtaskSpec struct {
	Command      string   `json:"command"`
	Prompt       string   `json:"prompt"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// DecompositionPlan is the parsed output of a parent task whose command is
// "decompose": a flat list of subtasks to fan out, one child Task row each.
type DecompositionPlan struct {
	Subtasks []SubtaskSpec `json:"subtasks"`
}

// ParsePlan decodes a decomposition task's raw result text into a plan.
// The worker is expected to emit a single JSON object matching
// DecompositionPlan; any other shape is a parse error that the command
// service surfaces back to the chat channel instead of silently fanning out
// nothing.
func ParsePlan(raw string) (DecompositionPlan, error) {
	var plan DecompositionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return DecompositionPlan{}, fmt.Errorf("parse decomposition plan: %w", err)
	}
	if len(plan.Subtasks) == 0 {
		return DecompositionPlan{}, fmt.Errorf("decomposition plan has no subtasks")
	}
	for i, s := range plan.Subtasks {
		if s.Command == "" {
			return DecompositionPlan{}, fmt.Errorf("subtask %d has empty command", i)
		}
	}
	return plan, nil
}

// Validate is a no-op retained for symmetry with the rest of the package's
// construction-then-validate style; ParsePlan already enforces invariants.
func (p DecompositionPlan) Validate() error {
	if len(p.Subtasks) == 0 {
		return fmt.Errorf("plan has no subtasks")
	}
	return nil
}
