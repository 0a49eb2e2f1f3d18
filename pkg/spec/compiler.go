package spec

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/models"
)

// EngineDefinition is the automation engine's native workflow format
// produced by the compiler.
type EngineDefinition struct {
	Name        string                    `json:"name"`
	Active      bool                      `json:"active"`
	Nodes       []*EngineNode             `json:"nodes"`
	Connections map[string]*ConnectionSet `json:"connections"`
	Tags        []EngineTag               `json:"tags"`
	Settings    *EngineSettings           `json:"settings,omitempty"`
}

type EngineNode struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	TypeVersion float64        `json:"typeVersion"`
	Position    [2]int         `json:"position"`
	Parameters  map[string]any `json:"parameters"`
	Credentials map[string]any `json:"credentials,omitempty"`
	WebhookID   string         `json:"webhookId,omitempty"`
}

type ConnectionSet struct {
	Main [][]EngineConnection `json:"main"`
}

type EngineConnection struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type EngineTag struct {
	Name string `json:"name"`
}

type EngineSettings struct {
	ExecutionOrder string `json:"executionOrder"`
}

// Compiler translates spec documents into engine workflow definitions.
// Compiled workflows are created inactive; activation is a separate call.
type Compiler struct {
	logger *slog.Logger
}

func NewCompiler(logger *slog.Logger) *Compiler {
	return &Compiler{logger: logger}
}

// Compile parses a spec document and returns the engine definition as JSON.
func (c *Compiler) Compile(name, specJSON, ownerID string) (string, error) {
	parsed, err := Parse(specJSON)
	if err != nil {
		return "", err
	}

	c.logger.Info("compiling workflow spec", "name", name, "step_count", len(parsed.Steps))

	definition, err := c.compile(name, parsed, ownerID)
	if err != nil {
		return "", err
	}

	compiled, err := json.Marshal(definition)
	if err != nil {
		return "", fmt.Errorf("failed to serialize compiled workflow: %w", err)
	}

	return string(compiled), nil
}

func (c *Compiler) compile(name string, parsed *models.WorkflowSpec, ownerID string) (*EngineDefinition, error) {
	triggerNode, err := createTriggerNode(parsed.Trigger)
	if err != nil {
		return nil, err
	}

	nodes := []*EngineNode{triggerNode}
	stepNodes := make(map[string]*EngineNode, len(parsed.Steps))
	positionY := 200

	for _, step := range parsed.Steps {
		node, err := createStepNode(step, positionY)
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, node)
		stepNodes[step.ID] = node
		positionY += 150
	}

	connections := make(map[string]*ConnectionSet)

	if len(parsed.Steps) > 0 {
		firstNode := stepNodes[parsed.Steps[0].ID]
		connections[triggerNode.Name] = &ConnectionSet{
			Main: [][]EngineConnection{
				{{Node: firstNode.Name, Type: "main", Index: 0}},
			},
		}

		for _, step := range parsed.Steps {
			sourceNode, ok := stepNodes[step.ID]
			if !ok {
				continue
			}

			mainConnections := make([][]EngineConnection, 0, 2)

			successConnections := make([]EngineConnection, 0, len(step.OnSuccess))

			for _, targetID := range step.OnSuccess {
				if targetNode, ok := stepNodes[targetID]; ok {
					successConnections = append(successConnections, EngineConnection{Node: targetNode.Name, Type: "main", Index: 0})
				}
			}

			mainConnections = append(mainConnections, successConnections)

			// Condition false branches use the second output.
			if step.Type == models.StepTypeCondition && step.Condition != nil && step.Condition.FalseBranch != nil {
				failureConnections := make([]EngineConnection, 0, len(step.Condition.FalseBranch))

				for _, targetID := range step.Condition.FalseBranch {
					if targetNode, ok := stepNodes[targetID]; ok {
						failureConnections = append(failureConnections, EngineConnection{Node: targetNode.Name, Type: "main", Index: 0})
					}
				}

				mainConnections = append(mainConnections, failureConnections)
			}

			if hasConnections(mainConnections) {
				connections[sourceNode.Name] = &ConnectionSet{Main: mainConnections}
			}
		}
	}

	return &EngineDefinition{
		Name:        name,
		Active:      false,
		Nodes:       nodes,
		Connections: connections,
		Tags: []EngineTag{
			{Name: "owner:" + ownerID},
			{Name: "flowdeck"},
		},
		Settings: &EngineSettings{ExecutionOrder: "v1"},
	}, nil
}

func createTriggerNode(trigger models.TriggerSpec) (*EngineNode, error) {
	switch trigger.Type {
	case models.TriggerTypeManual:
		return newNode(&EngineNode{
			Name:        "Trigger",
			Type:        "n8n-nodes-base.manualTrigger",
			TypeVersion: 1,
			Position:    [2]int{250, 300},
			Parameters:  map[string]any{},
		}, false), nil
	case models.TriggerTypeScheduled:
		cronExpression := trigger.CronExpression
		if cronExpression == "" {
			cronExpression = "0 9 * * *"
		}

		return newNode(&EngineNode{
			Name:        "Trigger",
			Type:        "n8n-nodes-base.scheduleTrigger",
			TypeVersion: 1,
			Position:    [2]int{250, 300},
			Parameters: map[string]any{
				"rule": map[string]any{
					"interval": []map[string]any{
						{"field": "cronExpression", "expression": cronExpression},
					},
				},
			},
		}, false), nil
	case models.TriggerTypeEventBased:
		path := trigger.EventName
		if path == "" {
			path = "webhook"
		}

		return newNode(&EngineNode{
			Name:        "Trigger",
			Type:        "n8n-nodes-base.webhook",
			TypeVersion: 2,
			Position:    [2]int{250, 300},
			Parameters: map[string]any{
				"path":       path,
				"httpMethod": "POST",
			},
		}, true), nil
	default:
		return nil, fmt.Errorf("unknown trigger type: %s", trigger.Type)
	}
}

func createStepNode(step models.StepSpec, positionY int) (*EngineNode, error) {
	if step.Type == models.StepTypeCondition && step.Condition != nil {
		return createConditionNode(step, positionY), nil
	}

	if step.Action == nil {
		return nil, fmt.Errorf("step %s is an action but has no action property", step.ID)
	}

	return createActionNode(step, positionY)
}

func createConditionNode(step models.StepSpec, positionY int) *EngineNode {
	condition := step.Condition

	rightOperand := ""
	if condition.RightOperand != nil {
		rightOperand = fmt.Sprintf("%v", condition.RightOperand)
	}

	return newNode(&EngineNode{
		Name:        step.Name,
		Type:        "n8n-nodes-base.if",
		TypeVersion: 1,
		Position:    [2]int{500, positionY},
		Parameters: map[string]any{
			"conditions": map[string]any{
				"string": []map[string]any{
					{
						"value1":    condition.LeftOperand,
						"operation": mapConditionType(condition.ConditionType),
						"value2":    rightOperand,
					},
				},
			},
		},
	}, false)
}

func createActionNode(step models.StepSpec, positionY int) (*EngineNode, error) {
	nodeType, typeVersion, parameters, credentials, err := mapAction(step.Action)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	return newNode(&EngineNode{
		Name:        step.Name,
		Type:        nodeType,
		TypeVersion: typeVersion,
		Position:    [2]int{500, positionY},
		Parameters:  parameters,
		Credentials: credentials,
	}, false), nil
}

func mapAction(action *models.ActionSpec) (string, float64, map[string]any, map[string]any, error) {
	switch action.ActionType {
	case ActionSendEmail:
		parameters, credentials := mapEmailAction(action)

		return "n8n-nodes-base.mailjet", 2.1, parameters, credentials, nil
	case ActionHTTPRequest:
		_, hasBody := action.Parameters["body"]

		return "n8n-nodes-base.httpRequest", 1, map[string]any{
			"url":             paramOrDefault(action.Parameters, "url", ""),
			"method":          paramOrDefault(action.Parameters, "method", "GET"),
			"sendBody":        hasBody,
			"bodyContentType": "json",
			"body":            paramOrDefault(action.Parameters, "body", ""),
		}, nil, nil
	case ActionWait:
		return "n8n-nodes-base.wait", 1, map[string]any{
			"amount": paramOrDefault(action.Parameters, "seconds", any(5)),
		}, nil, nil
	case ActionSetVariable:
		return "n8n-nodes-base.set", 1, map[string]any{
			"values": map[string]any{
				"string": []map[string]any{
					{
						"name":  paramOrDefault(action.Parameters, "name", "variable"),
						"value": paramOrDefault(action.Parameters, "value", ""),
					},
				},
			},
		}, nil, nil
	case ActionScheduleMeeting:
		return "n8n-nodes-base.googleCalendar", 1, map[string]any{
			"operation": "create",
			"calendar":  "primary",
			"summary":   paramOrDefault(action.Parameters, "title", ""),
			"start":     paramOrDefault(action.Parameters, "startTime", ""),
			"end":       paramOrDefault(action.Parameters, "endTime", ""),
		}, nil, nil
	case ActionSendWhatsApp:
		body, err := json.Marshal(map[string]any{
			"to":      paramOrDefault(action.Parameters, "to", ""),
			"message": paramOrDefault(action.Parameters, "message", ""),
		})
		if err != nil {
			return "", 0, nil, nil, err
		}

		return "n8n-nodes-base.httpRequest", 1, map[string]any{
			"url":             "{{$env.WHATSAPP_API_URL}}/messages",
			"method":          "POST",
			"sendBody":        true,
			"bodyContentType": "json",
			"body":            string(body),
		}, nil, nil
	case ActionCreateDocument:
		return platformAPIAction(action, "{{$env.API_BASE_URL}}/api/drafts", "POST")
	case ActionCreateReminder:
		return platformAPIAction(action, "{{$env.API_BASE_URL}}/api/reminders", "POST")
	case ActionCreateNote:
		return platformAPIAction(action, "{{$env.API_BASE_URL}}/api/notes", "POST")
	case ActionUpdateContact:
		contactID := fmt.Sprintf("%v", paramOrDefault(action.Parameters, "contactId", ""))

		return platformAPIAction(action, "{{$env.API_BASE_URL}}/api/contacts/"+contactID, "PUT")
	default:
		return "", 0, nil, nil, fmt.Errorf("unknown action type: %s", action.ActionType)
	}
}

// platformAPIAction compiles an action into an HTTP call against the
// platform's own API, forwarding the raw parameters as the body.
func platformAPIAction(action *models.ActionSpec, url, method string) (string, float64, map[string]any, map[string]any, error) {
	body, err := json.Marshal(action.Parameters)
	if err != nil {
		return "", 0, nil, nil, err
	}

	return "n8n-nodes-base.httpRequest", 1, map[string]any{
		"url":             url,
		"method":          method,
		"sendBody":        true,
		"bodyContentType": "json",
		"body":            string(body),
	}, nil, nil
}

func mapEmailAction(action *models.ActionSpec) (map[string]any, map[string]any) {
	parameters := map[string]any{
		"fromEmail":        stringParam(action.Parameters, "", "fromEmail", "from"),
		"toEmail":          stringParam(action.Parameters, "", "toEmail", "to"),
		"subject":          stringParam(action.Parameters, "", "subject"),
		"text":             stringParam(action.Parameters, "", "text", "body"),
		"additionalFields": paramOrDefault(action.Parameters, "additionalFields", any(map[string]any{})),
	}

	if direct, ok := action.Parameters["credentials"].(map[string]any); ok {
		return parameters, direct
	}

	credentialID := stringParam(action.Parameters, "", "credentialId", "mailjetCredentialId")
	credentialName := stringParam(action.Parameters, "Mailjet Email account", "credentialName", "mailjetCredentialName")

	if credentialID == "" {
		return parameters, nil
	}

	return parameters, map[string]any{
		"mailjetEmailApi": map[string]any{
			"id":   credentialID,
			"name": credentialName,
		},
	}
}

func mapConditionType(conditionType string) string {
	switch conditionType {
	case ConditionNotEquals:
		return "notEquals"
	case ConditionContains:
		return "contains"
	case ConditionGreaterThan:
		return "larger"
	case ConditionLessThan:
		return "smaller"
	case ConditionIsEmpty:
		return "isEmpty"
	case ConditionIsNotEmpty:
		return "isNotEmpty"
	default:
		return "equals"
	}
}

func paramOrDefault(parameters map[string]any, key string, fallback any) any {
	if value, ok := parameters[key]; ok {
		return value
	}

	return fallback
}

func stringParam(parameters map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		value, ok := parameters[key]
		if !ok || value == nil {
			continue
		}

		if str, ok := value.(string); ok {
			if str != "" {
				return str
			}

			continue
		}

		return fmt.Sprintf("%v", value)
	}

	return fallback
}

func newNode(node *EngineNode, includeWebhookID bool) *EngineNode {
	node.ID = uuid.New().String()
	if includeWebhookID {
		node.WebhookID = uuid.New().String()
	}

	return node
}

func hasConnections(groups [][]EngineConnection) bool {
	for _, group := range groups {
		if len(group) > 0 {
			return true
		}
	}

	return false
}
