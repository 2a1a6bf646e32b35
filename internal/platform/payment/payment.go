// Package payment talks to the billing service that owns payments, patient
// deposit balances and refund requests.
package payment

import (
	"context"
	"time"
)

// Payment is a completed payment for a visit. Amounts are in minor units.
type Payment struct {
	ID          string    `json:"id"`
	VisitID     string    `json:"visit_id"`
	PatientID   string    `json:"patient_id"`
	Amount      int64     `json:"amount"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// DepositCredit asks billing to add funds to a patient's running deposit.
type DepositCredit struct {
	PatientID string `json:"patient_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
}

// DepositTransaction is the audit row billing records for a deposit credit.
type DepositTransaction struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefundRequestInput opens a refund for manual processing.
type RefundRequestInput struct {
	PaymentID string `json:"payment_id"`
	VisitID   string `json:"visit_id"`
	PatientID string `json:"patient_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	ActorID   string `json:"actor_id"`
}

type RefundRequest struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"payment_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the billing collaborator. Mutating calls carry an idempotency key
// so a retried cancellation never credits or refunds twice.
type Client interface {
	// FindCompletedPayment returns nil when the visit has no completed payment.
	FindCompletedPayment(ctx context.Context, visitID string) (*Payment, error)
	CreditDeposit(ctx context.Context, idempotencyKey string, in DepositCredit) (*DepositTransaction, error)
	CreateRefundRequest(ctx context.Context, idempotencyKey string, in RefundRequestInput) (*RefundRequest, error)
}
