package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBankAutoMatch retries ledger matching for an approved bank mutation.
	TaskBankAutoMatch = "bank:auto_match"
	// TaskSchemaApply applies an approved schema change request.
	TaskSchemaApply = "schema:apply"
	// TaskLedgerIntegrity scans posted journals for unbalanced transactions.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AutoMatchPayload identifies the bank mutation to match.
type AutoMatchPayload struct {
	MutationID int64 `json:"mutation_id"`
}

// SchemaApplyPayload identifies the schema change to apply.
type SchemaApplyPayload struct {
	ChangeID string `json:"change_id"`
}

// IdempotencyCleanupPayload carries the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewAutoMatchTask constructs a bank auto-match task.
func NewAutoMatchTask(mutationID int64) (*asynq.Task, error) {
	if mutationID <= 0 {
		return nil, fmt.Errorf("jobs: invalid mutation id %d", mutationID)
	}
	data, err := json.Marshal(AutoMatchPayload{MutationID: mutationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBankAutoMatch, data), nil
}

// NewSchemaApplyTask constructs a schema apply task.
func NewSchemaApplyTask(changeID string) (*asynq.Task, error) {
	if changeID == "" {
		return nil, fmt.Errorf("jobs: change id required")
	}
	data, err := json.Marshal(SchemaApplyPayload{ChangeID: changeID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSchemaApply, data), nil
}

// NewLedgerIntegrityTask constructs the periodic integrity scan task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

// NewIdempotencyCleanupTask constructs the key purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	hours := int(retention / time.Hour)
	if hours <= 0 {
		return nil, fmt.Errorf("jobs: retention must be at least one hour")
	}
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: hours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
