// Package forcemajeure moves or cancels batches of queue entries when a
// specialist cannot see patients, refunding paid visits on cancellation.
package forcemajeure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/notification"
	"github.com/clinicflow/queue/internal/platform/payment"
)

type RefundType string

const (
	RefundDeposit RefundType = "deposit"
	RefundRequest RefundType = "refund_request"
)

func (t RefundType) Valid() bool {
	return t == RefundDeposit || t == RefundRequest
}

const CodeRefundFailed = "refund_failed"

// maxBatch bounds how many entries one request may touch, including entries
// selected by queue.
const maxBatch = 500

// Selection names the entries an operator acts on: explicit ids, every
// active entry of a queue, or both.
type Selection struct {
	EntryIDs []uuid.UUID `json:"entry_ids"`
	QueueID  *uuid.UUID  `json:"queue_id,omitempty"`
}

type TransferRequest struct {
	Selection
	Reason string `json:"reason"`
	Actor  string `json:"-"`
}

type CancelRequest struct {
	Selection
	Reason     string     `json:"reason"`
	RefundType RefundType `json:"refund_type"`
	Actor      string     `json:"-"`
}

// Refund records what was done with a completed payment.
type Refund struct {
	Type                 RefundType `json:"type"`
	PaymentID            string     `json:"payment_id"`
	Amount               int64      `json:"amount"`
	DepositTransactionID string     `json:"deposit_transaction_id,omitempty"`
	RefundRequestID      string     `json:"refund_request_id,omitempty"`

	// ManualReview is set when the entry carries no amount of its own, so
	// billing must decide how much of the payment to return.
	ManualReview bool `json:"manual_review,omitempty"`
}

// EntryResult is the outcome for one selected entry.
type EntryResult struct {
	EntryID    uuid.UUID  `json:"entry_id"`
	Success    bool       `json:"success"`
	Code       string     `json:"code,omitempty"`
	Error      string     `json:"error,omitempty"`
	NewEntryID *uuid.UUID `json:"new_entry_id,omitempty"`
	NewNumber  int        `json:"new_number,omitempty"`
	Refund     *Refund    `json:"refund,omitempty"`
}

// BatchResult lets the operator retry only what failed.
type BatchResult struct {
	Operation string        `json:"operation"`
	Reason    string        `json:"reason"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []EntryResult `json:"results"`
}

func (b *BatchResult) add(r EntryResult) {
	if r.Success {
		b.Succeeded++
	} else {
		b.Failed++
	}
	b.Results = append(b.Results, r)
}

// Engine applies force-majeure operations entry by entry. Each entry
// commits on its own and notifications go out only after it has.
type Engine struct {
	queues   *queue.Service
	payments payment.Client
	logger   zerolog.Logger
}

func NewEngine(queues *queue.Service, payments payment.Client, logger zerolog.Logger) *Engine {
	return &Engine{queues: queues, payments: payments, logger: logger}
}

// resolve expands a selection into distinct entry ids, explicit ids first.
func (e *Engine) resolve(ctx context.Context, sel Selection) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if id != uuid.Nil && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range sel.EntryIDs {
		add(id)
	}
	if sel.QueueID != nil {
		active := []queue.EntryStatus{queue.StatusWaiting, queue.StatusCalled}
		entries, _, err := e.queues.ListEntries(ctx, *sel.QueueID, active, maxBatch, 0)
		if err != nil {
			return nil, fmt.Errorf("list queue entries: %w", err)
		}
		for _, en := range entries {
			add(en.ID)
		}
	}
	if len(ids) == 0 {
		return nil, apperr.Validation("select at least one entry")
	}
	if len(ids) > maxBatch {
		return nil, apperr.Validation("at most %d entries per batch", maxBatch)
	}
	return ids, nil
}

// Transfer moves each selected entry to the next day's queue of the same
// specialist with transfer priority.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*BatchResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	ids, err := e.resolve(ctx, req.Selection)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{Operation: "transfer", Reason: reason}
	for _, id := range ids {
		res, err := e.queues.TransferEntry(ctx, id, reason)
		if err != nil {
			out.add(e.failed(id, "transfer", err))
			continue
		}
		e.queues.NotifyEntry(ctx, res.Queue, res.Transferred, notification.TemplateTransferred,
			map[string]string{"reason": reason})
		out.add(EntryResult{
			EntryID:    id,
			Success:    true,
			NewEntryID: &res.Transferred.ID,
			NewNumber:  res.Transferred.Number,
		})
	}
	e.logBatch(out, req.Actor)
	return out, nil
}

// Cancel cancels each selected entry and, when its visit has a completed
// payment, credits the patient's deposit or opens a refund request. Retrying
// a failed refund is safe: the cancellation is idempotent and billing calls
// carry a per-entry idempotency key.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*BatchResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}
	if !req.RefundType.Valid() {
		return nil, apperr.Validation("refund_type must be %q or %q", RefundDeposit, RefundRequest)
	}
	ids, err := e.resolve(ctx, req.Selection)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{Operation: "cancel", Reason: reason}
	for _, id := range ids {
		entry, err := e.queues.CancelEntry(ctx, id, reason, queue.CancelledByForceMajeure)
		if err != nil {
			out.add(e.failed(id, "cancel", err))
			continue
		}
		refund, err := e.refund(ctx, entry, req.RefundType, reason, req.Actor)
		if err != nil {
			r := e.failed(id, "refund", err)
			r.Code = CodeRefundFailed
			out.add(r)
			continue
		}
		e.notifyCancelled(ctx, entry, reason, refund)
		out.add(EntryResult{EntryID: id, Success: true, Refund: refund})
	}
	e.logBatch(out, req.Actor)
	return out, nil
}

func (e *Engine) refund(ctx context.Context, entry *queue.Entry, kind RefundType, reason, actor string) (*Refund, error) {
	if entry.VisitID == nil {
		return nil, nil
	}
	if e.payments == nil {
		return nil, errors.New("payment service is not configured")
	}
	p, err := e.payments.FindCompletedPayment(ctx, entry.VisitID.String())
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if p == nil {
		return nil, nil
	}

	if entry.Amount <= 0 {
		// A visit split over several entries may list some at zero; refunding
		// the whole payment for each would pay it out more than once.
		e.logger.Warn().
			Str("entry_id", entry.ID.String()).
			Str("payment_id", p.ID).
			Msg("entry has no amount, refund left for manual review")
		return &Refund{Type: kind, PaymentID: p.ID, ManualReview: true}, nil
	}
	amount := entry.Amount
	if amount > p.Amount {
		amount = p.Amount
	}
	patientID := p.PatientID
	if patientID == "" && entry.PatientID != nil {
		patientID = entry.PatientID.String()
	}
	key := "fm-cancel:" + entry.ID.String()
	out := &Refund{Type: kind, PaymentID: p.ID, Amount: amount}

	switch kind {
	case RefundDeposit:
		tx, err := e.payments.CreditDeposit(ctx, key, payment.DepositCredit{
			PatientID: patientID,
			PaymentID: p.ID,
			Amount:    amount,
			Reason:    reason,
			ActorID:   actor,
		})
		if err != nil {
			return nil, fmt.Errorf("credit deposit: %w", err)
		}
		out.DepositTransactionID = tx.ID
	case RefundRequest:
		rr, err := e.payments.CreateRefundRequest(ctx, key, payment.RefundRequestInput{
			PaymentID: p.ID,
			VisitID:   entry.VisitID.String(),
			PatientID: patientID,
			Amount:    amount,
			Reason:    reason,
			ActorID:   actor,
		})
		if err != nil {
			return nil, fmt.Errorf("create refund request: %w", err)
		}
		out.RefundRequestID = rr.ID
	}
	return out, nil
}

func (e *Engine) notifyCancelled(ctx context.Context, entry *queue.Entry, reason string, refund *Refund) {
	q, err := e.queues.GetQueue(ctx, entry.QueueID)
	if err != nil {
		e.logger.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("load queue for cancellation notice")
		return
	}
	note := ""
	if refund != nil && refund.ManualReview {
		note = "Our staff will contact you about the amount paid."
	} else if refund != nil {
		switch refund.Type {
		case RefundDeposit:
			note = "The amount paid was credited to your deposit balance."
		case RefundRequest:
			note = "A refund of the amount paid has been requested."
		}
	}
	e.queues.NotifyEntry(ctx, q, entry, notification.TemplateCancelled,
		map[string]string{"reason": reason, "refund_note": note})
}

func (e *Engine) failed(id uuid.UUID, step string, err error) EntryResult {
	code := "internal_error"
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Code != "" {
		code = ae.Code
	}
	e.logger.Warn().Err(err).Str("entry_id", id.String()).Str("step", step).Msg("force majeure entry failed")
	return EntryResult{EntryID: id, Code: code, Error: err.Error()}
}

func (e *Engine) logBatch(b *BatchResult, actor string) {
	e.logger.Info().
		Str("operation", b.Operation).
		Str("actor", actor).
		Str("reason", b.Reason).
		Int("succeeded", b.Succeeded).
		Int("failed", b.Failed).
		Msg("force majeure batch finished")
}
