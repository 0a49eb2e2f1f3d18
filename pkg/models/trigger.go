package models

import "strings"

// TriggerType identifies how a workflow run is initiated.
type TriggerType string

const (
	TriggerTypeManual     TriggerType = "manual"      // User-initiated
	TriggerTypeScheduled  TriggerType = "scheduled"   // Cron-based
	TriggerTypeEventBased TriggerType = "event_based" // Fired on a platform event
)

// Trigger is a value object describing how a workflow is triggered.
type Trigger struct {
	Type           TriggerType `json:"type"                      validate:"required"`
	CronExpression string      `json:"cron_expression,omitempty"`
	EventName      string      `json:"event_name,omitempty"`
	ConfigJSON     string      `json:"config_json,omitempty"`
}

// ManualTrigger creates a user-initiated trigger.
func ManualTrigger() *Trigger {
	return &Trigger{Type: TriggerTypeManual}
}

// ScheduledTrigger creates a cron-based trigger, e.g. "0 9 * * MON-FRI".
func ScheduledTrigger(cronExpression string) (*Trigger, error) {
	if strings.TrimSpace(cronExpression) == "" {
		return nil, ErrCronExpressionRequired
	}

	return &Trigger{Type: TriggerTypeScheduled, CronExpression: cronExpression}, nil
}

// EventBasedTrigger creates a trigger fired on a platform event such as
// "contact.created". configJSON optionally carries event filtering rules.
func EventBasedTrigger(eventName, configJSON string) (*Trigger, error) {
	if strings.TrimSpace(eventName) == "" {
		return nil, ErrEventNameRequired
	}

	return &Trigger{Type: TriggerTypeEventBased, EventName: eventName, ConfigJSON: configJSON}, nil
}
