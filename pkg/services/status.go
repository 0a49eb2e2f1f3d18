package services

import (
	"strings"

	"github.com/flowdeck/flowdeck/pkg/models"
)

// MapExecutionStatus normalizes the engine's free-text status into the
// internal enum. The mapping is case-insensitive and total: anything
// unrecognized maps to Running, never to a terminal state, so a late or
// novel status string can never silently finish a run.
func MapExecutionStatus(status string) models.ExecutionStatus {
	normalized := strings.ToLower(strings.TrimSpace(status))
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch normalized {
	case "success", "completed":
		return models.ExecutionStatusCompleted
	case "failed", "error", "timeout":
		return models.ExecutionStatusFailed
	case "waitingapproval", "waiting":
		return models.ExecutionStatusWaitingApproval
	case "cancelled", "canceled":
		return models.ExecutionStatusCancelled
	case "pending":
		return models.ExecutionStatusPending
	default:
		// "accepted", "running" and anything unknown land here.
		return models.ExecutionStatusRunning
	}
}
