package models

// WorkflowSpec is the parsed form of the specification document a user
// (or the assistant) submits. The orchestrator only reads name,
// description and trigger from it; steps and variables are passed through
// to the compiler and otherwise treated as opaque.
type WorkflowSpec struct {
	Version     string                  `json:"version"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Trigger     TriggerSpec             `json:"trigger"`
	Variables   map[string]VariableSpec `json:"variables,omitempty"`
	Steps       []StepSpec              `json:"steps"`
}

// TriggerSpec is the trigger section of a spec document.
type TriggerSpec struct {
	Type           TriggerType    `json:"type"`
	CronExpression string         `json:"cron_expression,omitempty"`
	EventName      string         `json:"event_name,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// VariableSpec declares a workflow context variable.
type VariableSpec struct {
	Type         string `json:"type"`
	DefaultValue any    `json:"default_value,omitempty"`
	Description  string `json:"description,omitempty"`
	Required     bool   `json:"required"`
}

// StepType distinguishes action steps from branching conditions.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
)

// StepSpec is a single step in a spec document.
type StepSpec struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Type             StepType       `json:"type"`
	Action           *ActionSpec    `json:"action,omitempty"`
	Condition        *ConditionSpec `json:"condition,omitempty"`
	OnSuccess        []string       `json:"on_success,omitempty"`
	OnFailure        []string       `json:"on_failure,omitempty"`
	ApprovalRequired bool           `json:"approval_required"`
}

// ActionSpec configures an action step.
type ActionSpec struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Retry      *RetryConfig   `json:"retry,omitempty"`
}

// ConditionSpec configures a branching condition step.
type ConditionSpec struct {
	ConditionType string   `json:"condition_type"`
	LeftOperand   string   `json:"left_operand"`
	RightOperand  any      `json:"right_operand,omitempty"`
	TrueBranch    []string `json:"true_branch,omitempty"`
	FalseBranch   []string `json:"false_branch,omitempty"`
}

// RetryConfig controls retry behavior for an action step.
type RetryConfig struct {
	MaxAttempts        int  `json:"max_attempts"`
	DelaySeconds       int  `json:"delay_seconds"`
	ExponentialBackoff bool `json:"exponential_backoff"`
}
