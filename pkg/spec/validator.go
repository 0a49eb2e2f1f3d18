// Package spec validates and compiles workflow spec documents into the
// automation engine's native definition format.
package spec

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/flowdeck/flowdeck/pkg/models"
)

//go:embed schema.json
var schemaJSON string

// Action types understood by the compiler.
const (
	ActionSendEmail       = "send_email"
	ActionHTTPRequest     = "http_request"
	ActionWait            = "wait"
	ActionSetVariable     = "set_variable"
	ActionCreateDocument  = "create_document"
	ActionSendWhatsApp    = "send_whatsapp"
	ActionScheduleMeeting = "schedule_meeting"
	ActionCreateReminder  = "create_reminder"
	ActionUpdateContact   = "update_contact"
	ActionCreateNote      = "create_note"
)

// Condition types understood by the compiler.
const (
	ConditionEquals      = "equals"
	ConditionNotEquals   = "not_equals"
	ConditionContains    = "contains"
	ConditionGreaterThan = "greater_than"
	ConditionLessThan    = "less_than"
	ConditionIsEmpty     = "is_empty"
	ConditionIsNotEmpty  = "is_not_empty"
)

var knownActionTypes = map[string]bool{
	ActionSendEmail:       true,
	ActionHTTPRequest:     true,
	ActionWait:            true,
	ActionSetVariable:     true,
	ActionCreateDocument:  true,
	ActionSendWhatsApp:    true,
	ActionScheduleMeeting: true,
	ActionCreateReminder:  true,
	ActionUpdateContact:   true,
	ActionCreateNote:      true,
}

var knownConditionTypes = map[string]bool{
	ConditionEquals:      true,
	ConditionNotEquals:   true,
	ConditionContains:    true,
	ConditionGreaterThan: true,
	ConditionLessThan:    true,
	ConditionIsEmpty:     true,
	ConditionIsNotEmpty:  true,
}

// Actions that reach outside the platform and should normally sit behind
// an approval step.
var sensitiveActionTypes = map[string]bool{
	ActionSendEmail:       true,
	ActionSendWhatsApp:    true,
	ActionScheduleMeeting: true,
	ActionUpdateContact:   true,
	ActionHTTPRequest:     true,
}

// ValidationResult reports the outcome of validating a spec document.
// Warnings do not block acceptance.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks spec documents structurally against a JSON schema and
// semantically against the compiler's requirements.
type Validator struct {
	schema       *gojsonschema.Schema
	allowedHosts map[string]bool
	logger       *slog.Logger
}

// NewValidator compiles the embedded schema. extraAllowedHosts extends the
// built-in HTTP request host allowlist.
func NewValidator(logger *slog.Logger, extraAllowedHosts []string) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile spec schema: %w", err)
	}

	allowedHosts := map[string]bool{
		"api.openai.com":      true,
		"graph.microsoft.com": true,
		"api.twilio.com":      true,
		"api.sendgrid.com":    true,
	}

	for _, host := range extraAllowedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowedHosts[host] = true
		}
	}

	return &Validator{
		schema:       schema,
		allowedHosts: allowedHosts,
		logger:       logger,
	}, nil
}

// Parse decodes a spec document without validating it.
func Parse(specJSON string) (*models.WorkflowSpec, error) {
	var parsed models.WorkflowSpec

	err := json.Unmarshal([]byte(specJSON), &parsed)
	if err != nil {
		return nil, fmt.Errorf("invalid spec JSON: %w", err)
	}

	return &parsed, nil
}

// Validate checks a spec document and collects every problem found rather
// than stopping at the first.
func (v *Validator) Validate(specJSON string) *ValidationResult {
	result, err := v.schema.Validate(gojsonschema.NewStringLoader(specJSON))
	if err != nil {
		return failure(fmt.Sprintf("Invalid JSON: %v", err))
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return &ValidationResult{IsValid: false, Errors: errs}
	}

	parsed, err := Parse(specJSON)
	if err != nil {
		return failure(err.Error())
	}

	var errs, warnings []string

	if strings.TrimSpace(parsed.Name) == "" {
		errs = append(errs, "Workflow name is required")
	}

	if len(parsed.Steps) == 0 {
		errs = append(errs, "Workflow must have at least one step")
	}

	errs, warnings = v.validateTrigger(parsed.Trigger, errs, warnings)

	stepIDs := make(map[string]bool, len(parsed.Steps))
	for _, step := range parsed.Steps {
		if step.ID != "" {
			stepIDs[step.ID] = true
		}
	}

	seen := make(map[string]bool, len(parsed.Steps))

	for _, step := range parsed.Steps {
		errs, warnings = v.validateStep(step, seen, stepIDs, errs, warnings)
	}

	for name, variable := range parsed.Variables {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "Variable name cannot be empty")
		}

		if variable.Required && variable.DefaultValue == nil {
			warnings = append(warnings, fmt.Sprintf("Required variable '%s' has no default value", name))
		}
	}

	if len(errs) > 0 {
		v.logger.Warn("workflow spec validation failed", "error_count", len(errs))

		return &ValidationResult{IsValid: false, Errors: errs, Warnings: warnings}
	}

	return &ValidationResult{IsValid: true, Warnings: warnings}
}

func (v *Validator) validateTrigger(trigger models.TriggerSpec, errs, warnings []string) ([]string, []string) {
	switch trigger.Type {
	case models.TriggerTypeScheduled:
		if strings.TrimSpace(trigger.CronExpression) == "" {
			errs = append(errs, "Scheduled trigger requires a cron expression")
		} else if !isValidCronExpression(trigger.CronExpression) {
			errs = append(errs, fmt.Sprintf("Invalid cron expression: %s", trigger.CronExpression))
		}
	case models.TriggerTypeEventBased:
		if strings.TrimSpace(trigger.EventName) == "" {
			errs = append(errs, "Event-based trigger requires an event name")
		}
	case models.TriggerTypeManual:
		// Nothing to validate; manual workflows carry no trigger config.
	default:
		errs = append(errs, fmt.Sprintf("Unknown trigger type: %s", trigger.Type))
	}

	return errs, warnings
}

func (v *Validator) validateStep(step models.StepSpec, seen, stepIDs map[string]bool, errs, warnings []string) ([]string, []string) {
	if strings.TrimSpace(step.ID) == "" {
		errs = append(errs, "Step ID is required")
	} else if seen[step.ID] {
		errs = append(errs, fmt.Sprintf("Duplicate step ID: %s", step.ID))
	} else {
		seen[step.ID] = true
	}

	if strings.TrimSpace(step.Name) == "" {
		errs = append(errs, fmt.Sprintf("Step '%s' requires a name", step.ID))
	}

	switch step.Type {
	case models.StepTypeAction:
		errs, warnings = v.validateAction(step, errs, warnings)
	case models.StepTypeCondition:
		errs = v.validateCondition(step, errs)
	}

	errs = validateStepReferences(step.OnSuccess, stepIDs, "on_success", step.ID, errs)
	errs = validateStepReferences(step.OnFailure, stepIDs, "on_failure", step.ID, errs)

	if step.Condition != nil {
		errs = validateStepReferences(step.Condition.TrueBranch, stepIDs, "true_branch", step.ID, errs)
		errs = validateStepReferences(step.Condition.FalseBranch, stepIDs, "false_branch", step.ID, errs)
	}

	return errs, warnings
}

func (v *Validator) validateAction(step models.StepSpec, errs, warnings []string) ([]string, []string) {
	if step.Action == nil {
		errs = append(errs, fmt.Sprintf("Action step '%s' requires an action property", step.ID))

		return errs, warnings
	}

	action := step.Action

	if !knownActionTypes[action.ActionType] {
		errs = append(errs, fmt.Sprintf("Invalid action type for step '%s'", step.ID))

		return errs, warnings
	}

	if action.ActionType == ActionHTTPRequest {
		rawURL, ok := action.Parameters["url"].(string)
		if ok {
			errs = v.validateURL(rawURL, step.ID, errs)
		} else {
			errs = append(errs, fmt.Sprintf("HTTP request action '%s' requires a URL parameter", step.ID))
		}
	}

	if action.ActionType == ActionSendEmail {
		if _, ok := action.Parameters["to"]; !ok {
			errs = append(errs, fmt.Sprintf("Email action '%s' requires a 'to' parameter", step.ID))
		}

		if _, ok := action.Parameters["subject"]; !ok {
			warnings = append(warnings, fmt.Sprintf("Email action '%s' has no subject", step.ID))
		}
	}

	if sensitiveActionTypes[action.ActionType] && !step.ApprovalRequired {
		warnings = append(warnings, fmt.Sprintf("Action '%s' (%s) is sensitive but does not require approval", step.ID, action.ActionType))
	}

	return errs, warnings
}

func (v *Validator) validateCondition(step models.StepSpec, errs []string) []string {
	if step.Condition == nil {
		return append(errs, fmt.Sprintf("Condition step '%s' requires a condition property", step.ID))
	}

	condition := step.Condition

	if strings.TrimSpace(condition.LeftOperand) == "" {
		errs = append(errs, fmt.Sprintf("Condition '%s' requires a left operand", step.ID))
	}

	if !knownConditionTypes[condition.ConditionType] {
		errs = append(errs, fmt.Sprintf("Invalid condition type for step '%s'", step.ID))
	}

	requiresRightOperand := condition.ConditionType != ConditionIsEmpty &&
		condition.ConditionType != ConditionIsNotEmpty

	if requiresRightOperand && condition.RightOperand == nil {
		errs = append(errs, fmt.Sprintf("Condition '%s' of type %s requires a right operand", step.ID, condition.ConditionType))
	}

	return errs
}

func (v *Validator) validateURL(rawURL, stepID string, errs []string) []string {
	// Template expressions are resolved by the engine at run time.
	if strings.Contains(rawURL, "{{") && strings.Contains(rawURL, "}}") {
		return errs
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() {
		return append(errs, fmt.Sprintf("Invalid URL in step '%s': %s", stepID, rawURL))
	}

	if parsed.Scheme != "https" {
		return append(errs, fmt.Sprintf("URL in step '%s' must use HTTPS", stepID))
	}

	host := strings.ToLower(parsed.Hostname())
	if !v.allowedHosts[host] {
		return append(errs, fmt.Sprintf("URL host '%s' in step '%s' is not in the allowlist", host, stepID))
	}

	return errs
}

func validateStepReferences(references []string, stepIDs map[string]bool, referenceType, stepID string, errs []string) []string {
	for _, refID := range references {
		if !stepIDs[refID] {
			errs = append(errs, fmt.Sprintf("Step '%s' %s references non-existent step '%s'", stepID, referenceType, refID))
		}
	}

	return errs
}

func failure(message string) *ValidationResult {
	return &ValidationResult{IsValid: false, Errors: []string{message}}
}

// Accepts standard 5-field expressions, an optional seconds field and
// descriptors such as @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func isValidCronExpression(expression string) bool {
	_, err := cronParser.Parse(expression)

	return err == nil
}
