package paygate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway adapts Stripe PaymentIntents to the Gateway contract.
// Task ids are PaymentIntent ids; executor identity rides in intent
// metadata set by the checkout flow.
type StripeGateway struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeGateway creates the Stripe-backed payment gateway.
func NewStripeGateway(apiKey string, logger *slog.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeGateway{api: api, logger: logger}
}

func (g *StripeGateway) TaskStatus(ctx context.Context, taskID string) (*TaskState, error) {
	pi, err := g.api.PaymentIntents.Get(taskID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.Code == stripe.ErrorCodeResourceMissing {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	return &TaskState{
		AcquiringStatus: acquiringFromIntent(pi.Status),
		RootStatus:      pi.Metadata["task_status"],
		ExecutorINN:     pi.Metadata["executor_inn"],
		ExecutorKind:    pi.Metadata["executor_kind"],
		TaxReceiptURL:   pi.Metadata["tax_receipt_url"],
	}, nil
}

func (g *StripeGateway) TriggerCapture(ctx context.Context, taskID string) error {
	_, err := g.api.PaymentIntents.Capture(taskID, &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	})
	if err == nil {
		return nil
	}

	var sErr *stripe.Error
	if errors.As(err, &sErr) && sErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		// Usually a repeat capture. Confirm before swallowing.
		pi, getErr := g.api.PaymentIntents.Get(taskID, &stripe.PaymentIntentParams{
			Params: stripe.Params{Context: ctx},
		})
		if getErr == nil && pi.Status == stripe.PaymentIntentStatusSucceeded {
			g.logger.Debug("capture already done", "task_id", taskID)
			return nil
		}
	}
	return err
}

// acquiringFromIntent maps PaymentIntent statuses onto the acquiring
// vocabulary the ledger routes.
func acquiringFromIntent(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusRequiresCapture:
		return "paid"
	case stripe.PaymentIntentStatusSucceeded:
		return "transferred"
	case stripe.PaymentIntentStatusCanceled:
		return "expired"
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		return "pending"
	default:
		return ""
	}
}

var _ Gateway = (*StripeGateway)(nil)
