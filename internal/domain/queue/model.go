package queue

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/queue/internal/platform/notification"
)

// Source records which admission path created an entry.
type Source string

const (
	SourceDesk                 Source = "desk"
	SourceOnline               Source = "online"
	SourceConfirmation         Source = "confirmation"
	SourceMorningAssignment    Source = "morning_assignment"
	SourceForceMajeureTransfer Source = "force_majeure_transfer"
)

func (s Source) Valid() bool {
	switch s {
	case SourceDesk, SourceOnline, SourceConfirmation, SourceMorningAssignment, SourceForceMajeureTransfer:
		return true
	}
	return false
}

type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusCalled    EntryStatus = "called"
	StatusServed    EntryStatus = "served"
	StatusNoShow    EntryStatus = "no_show"
	StatusCancelled EntryStatus = "cancelled"
)

// Active reports whether the entry still holds a place in the queue.
func (s EntryStatus) Active() bool {
	return s == StatusWaiting || s == StatusCalled
}

// Priority orders waiting entries for serving. Higher is served first.
type Priority int

const (
	PriorityNormal   Priority = 1
	PriorityTransfer Priority = 2
)

// CancelVia records what cancelled an entry.
type CancelVia string

const (
	CancelledByStaff        CancelVia = "staff"
	CancelledByVisit        CancelVia = "visit"
	CancelledByForceMajeure CancelVia = "force_majeure_cancel"
	CancelledByTransfer     CancelVia = "force_majeure_transfer"
)

// Key identifies a daily queue.
type Key struct {
	Day          time.Time `json:"day"`
	SpecialistID uuid.UUID `json:"specialist_id"`
	QueueTag     string    `json:"queue_tag"`
}

// DailyQueue is one specialist's admission list for one calendar day.
type DailyQueue struct {
	ID               uuid.UUID  `json:"id"`
	Day              time.Time  `json:"day"`
	SpecialistID     uuid.UUID  `json:"specialist_id"`
	QueueTag         string     `json:"queue_tag"`
	Active           bool       `json:"active"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	OpenedBy         *string    `json:"opened_by,omitempty"`
	OnlineStartTime  string     `json:"online_start_time"`
	OnlineEndTime    string     `json:"online_end_time"`
	MaxOnlineEntries int        `json:"max_online_entries"`
	IsClinicWide     bool       `json:"is_clinic_wide"`
	// LastNumber is the highest number ever issued, cancelled entries included.
	LastNumber int       `json:"last_number"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (q *DailyQueue) Key() Key {
	return Key{Day: q.Day, SpecialistID: q.SpecialistID, QueueTag: q.QueueTag}
}

// Entry is one admitted patient slot.
type Entry struct {
	ID               uuid.UUID   `json:"id"`
	QueueID          uuid.UUID   `json:"queue_id"`
	Number           int         `json:"number"`
	PatientID        *uuid.UUID  `json:"patient_id,omitempty"`
	PatientName      string      `json:"patient_name"`
	Phone            string      `json:"phone"`
	TelegramID       *string     `json:"telegram_id,omitempty"`
	VisitID          *uuid.UUID  `json:"visit_id,omitempty"`
	ServiceID        *uuid.UUID  `json:"service_id,omitempty"`
	Amount           int64       `json:"amount"`
	Source           Source      `json:"source"`
	Status           EntryStatus `json:"status"`
	Priority         Priority    `json:"priority"`
	QueueTime        time.Time   `json:"queue_time"`
	CreatedAt        time.Time   `json:"created_at"`
	CalledAt         *time.Time  `json:"called_at,omitempty"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
	IncompleteReason *string     `json:"incomplete_reason,omitempty"`
	CancelledVia     *CancelVia  `json:"cancelled_via,omitempty"`
	TransferredToID  *uuid.UUID  `json:"transferred_to_id,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Token is a QR capability to open join sessions for one queue day.
type Token struct {
	Token        string     `json:"token"`
	SpecialistID uuid.UUID  `json:"specialist_id"`
	QueueTag     string     `json:"department"`
	Day          time.Time  `json:"day"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Active       bool       `json:"active"`
	GeneratedBy  string     `json:"generated_by"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func (t *Token) Key() Key {
	return Key{Day: t.Day, SpecialistID: t.SpecialistID, QueueTag: t.QueueTag}
}

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionJoined  SessionStatus = "joined"
	SessionExpired SessionStatus = "expired"
)

// JoinSession stages identity collection between a QR scan and slot
// allocation. It is never mutated after it leaves pending.
type JoinSession struct {
	SessionToken string        `json:"session_token"`
	QRToken      string        `json:"-"`
	Status       SessionStatus `json:"status"`
	PatientName  *string       `json:"patient_name,omitempty"`
	Phone        *string       `json:"phone,omitempty"`
	TelegramID   *string       `json:"telegram_id,omitempty"`
	QueueEntryID *uuid.UUID    `json:"queue_entry_id,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// DayOf returns the clinic calendar day containing t, as midnight UTC. Days
// are stored as DATE so only the civil date matters.
func DayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func contactOf(e *Entry) notification.Contact {
	return notification.Contact{Phone: e.Phone, TelegramID: derefStr(e.TelegramID)}
}

// messageData fills the placeholders shared by queue notifications.
func messageData(specialist string, day time.Time, e *Entry) map[string]string {
	return map[string]string{
		"patient_name": e.PatientName,
		"number":       strconv.Itoa(e.Number),
		"specialist":   specialist,
		"day":          day.Format("2006-01-02"),
	}
}
