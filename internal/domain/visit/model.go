package visit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the canonical visit status. Stored strings pass through
// NormalizeStatus before any comparison.
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusOpen                Status = "open"
	StatusCalled              Status = "called"
	StatusPaid                Status = "paid"
	StatusInVisit             Status = "in_visit"
	StatusCompleted           Status = "completed"
	StatusExpired             Status = "expired"
	StatusCancelled           Status = "cancelled"
)

var canonical = map[Status]bool{
	StatusPendingConfirmation: true,
	StatusConfirmed:           true,
	StatusOpen:                true,
	StatusCalled:              true,
	StatusPaid:                true,
	StatusInVisit:             true,
	StatusCompleted:           true,
	StatusExpired:             true,
	StatusCancelled:           true,
}

// legacyAliases maps spellings written by older clients and imports.
var legacyAliases = map[string]Status{
	"pending":               StatusPendingConfirmation,
	"awaiting_confirmation": StatusPendingConfirmation,
	"calling":               StatusCalled,
	"waiting":               StatusOpen,
	"queued":                StatusOpen,
	"in_progress":           StatusInVisit,
	"in-visit":              StatusInVisit,
	"invisit":               StatusInVisit,
	"done":                  StatusCompleted,
	"finished":              StatusCompleted,
	"canceled":              StatusCancelled,
}

// NormalizeStatus maps a stored or client-supplied status string onto the
// canonical enum.
func NormalizeStatus(s string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if st := Status(key); canonical[st] {
		return st, nil
	}
	if st, ok := legacyAliases[key]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown visit status %q", s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// Visit is a scheduled patient visit as seen by the queue core. Only the
// SHA-256 of the outstanding confirmation token is stored.
type Visit struct {
	ID                    uuid.UUID  `json:"id"`
	PatientID             uuid.UUID  `json:"patient_id"`
	DoctorID              uuid.UUID  `json:"doctor_id"`
	PatientName           string     `json:"patient_name"`
	Phone                 string     `json:"phone"`
	TelegramID            *string    `json:"telegram_id,omitempty"`
	VisitDate             time.Time  `json:"visit_date"`
	Status                Status     `json:"status"`
	DiscountMode          string     `json:"discount_mode"`
	ConfirmationTokenHash *string    `json:"-"`
	ConfirmationChannel   *string    `json:"confirmation_channel,omitempty"`
	ConfirmationExpiresAt *time.Time `json:"confirmation_expires_at,omitempty"`
	ConfirmedAt           *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy           *string    `json:"confirmed_by,omitempty"`
	CancelReason          *string    `json:"cancel_reason,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ServiceLine is one billable service of a visit and the queue it is served
// from.
type ServiceLine struct {
	ID           uuid.UUID `json:"id"`
	VisitID      uuid.UUID `json:"visit_id"`
	ServiceID    uuid.UUID `json:"service_id"`
	SpecialistID uuid.UUID `json:"specialist_id"`
	QueueTag     string    `json:"queue_tag"`
	Amount       int64     `json:"amount"`
}

func (v *Visit) clearToken() {
	v.ConfirmationTokenHash = nil
	v.ConfirmationExpiresAt = nil
}
