// Package paygate talks to the payment gateway that owns the tasks
// orders are billed against: status lookups and capture triggers.
package paygate

import (
	"context"
	"errors"
)

// ErrTaskNotFound reports that the gateway has no task with the given id.
var ErrTaskNotFound = errors.New("paygate: task not found")

// Executor kinds as reported by the gateway.
const (
	KindEntrepreneur = "entrepreneur"
	KindCompany      = "company"
	KindIndividual   = "individual"
)

// TaskState is the gateway's view of one task. AcquiringStatus and
// RootStatus carry separate vocabularies; the ledger routes them to
// separate fields.
type TaskState struct {
	AcquiringStatus string
	RootStatus      string
	ExecutorINN     string
	ExecutorKind    string
	// TaxReceiptURL is the tax-authority receipt reference for
	// self-employed executors, present once their income is registered.
	TaxReceiptURL string
}

// Gateway is the payment gateway contract.
type Gateway interface {
	// TaskStatus returns the current task state.
	TaskStatus(ctx context.Context, taskID string) (*TaskState, error)
	// TriggerCapture asks the gateway to capture the held payment.
	// Capturing an already-captured payment is success.
	TriggerCapture(ctx context.Context, taskID string) error
}
