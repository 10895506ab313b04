package idempotency

import "time"

// Status values for saga execution records
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// StepResult records one completed saga step and its serialized result.
type StepResult struct {
	Step   string    `dynamodbav:"step"`
	Result string    `dynamodbav:"result,omitempty"` // small JSON payloads only
	At     time.Time `dynamodbav:"at"`
}

// CompensationEntry records one rolled-back step, in reverse completion order.
type CompensationEntry struct {
	Step   string    `dynamodbav:"step"`
	Reason string    `dynamodbav:"reason,omitempty"`
	At     time.Time `dynamodbav:"at"`
}

// ExecutionRecord is one booking attempt, keyed by the caller-supplied
// idempotency key. A second request with the same key returns the stored
// response; an incomplete record lets a crashed saga resume from the first
// incomplete step. Records are removed only by TTL, never by business logic.
type ExecutionRecord struct {
	IdempotencyKey string              `dynamodbav:"idempotency_key"` // PK
	Status         string              `dynamodbav:"status"`
	OrderID        string              `dynamodbav:"order_id,omitempty"`
	StepsCompleted []StepResult        `dynamodbav:"steps_completed,omitempty"`
	Compensations  []CompensationEntry `dynamodbav:"compensations,omitempty"`
	ResponseBody   string              `dynamodbav:"response_body,omitempty"`
	ResponseStatus int                 `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time           `dynamodbav:"created_at"`
	UpdatedAt      time.Time           `dynamodbav:"updated_at"`
	ExpiresAt      int64               `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string              `dynamodbav:"note,omitempty"`
}

// StepDone reports whether the named step already completed in this execution.
func (r *ExecutionRecord) StepDone(step string) bool {
	for _, s := range r.StepsCompleted {
		if s.Step == step {
			return true
		}
	}
	return false
}

// StepPayload returns the stored result for a completed step, if any.
func (r *ExecutionRecord) StepPayload(step string) (string, bool) {
	for _, s := range r.StepsCompleted {
		if s.Step == step {
			return s.Result, true
		}
	}
	return "", false
}
