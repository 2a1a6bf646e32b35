package visit_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/domain/confirmation"
	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/domain/queue/queuetest"
	"github.com/clinicflow/queue/internal/domain/visit"
	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/ratelimit"
)

var (
	today    = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tomorrow = today.AddDate(0, 0, 1)
	at       = func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
)

// memVisits is an in-memory visit.Repository and ClinicalRecordChecker.
type memVisits struct {
	mu      sync.Mutex
	visits  map[uuid.UUID]visit.Visit
	lines   map[uuid.UUID][]visit.ServiceLine
	records map[uuid.UUID]string
	now     func() time.Time
}

func newMemVisits(now func() time.Time) *memVisits {
	return &memVisits{
		visits:  make(map[uuid.UUID]visit.Visit),
		lines:   make(map[uuid.UUID][]visit.ServiceLine),
		records: make(map[uuid.UUID]string),
		now:     now,
	}
}

func (m *memVisits) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	visits := make(map[uuid.UUID]visit.Visit, len(m.visits))
	for k, v := range m.visits {
		visits[k] = v
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.visits = visits
	}
}

func (m *memVisits) Create(_ context.Context, v *visit.Visit, lines []visit.ServiceLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	m.visits[v.ID] = *v
	for i := range lines {
		lines[i].ID = uuid.New()
		lines[i].VisitID = v.ID
	}
	m.lines[v.ID] = append([]visit.ServiceLine(nil), lines...)
	return nil
}

func (m *memVisits) GetByID(_ context.Context, id uuid.UUID) (*visit.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, apperr.NotFound("visit")
	}
	return &v, nil
}

func (m *memVisits) GetForUpdate(ctx context.Context, id uuid.UUID) (*visit.Visit, error) {
	return m.GetByID(ctx, id)
}

func (m *memVisits) GetByTokenHash(_ context.Context, hash string) (*visit.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.visits {
		if v.ConfirmationTokenHash != nil && *v.ConfirmationTokenHash == hash {
			out := v
			return &out, nil
		}
	}
	return nil, apperr.NotFound("visit")
}

func (m *memVisits) Update(_ context.Context, v *visit.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visits[v.ID]; !ok {
		return apperr.NotFound("visit")
	}
	v.UpdatedAt = m.now().UTC()
	m.visits[v.ID] = *v
	return nil
}

func (m *memVisits) Lines(_ context.Context, visitID uuid.UUID) ([]visit.ServiceLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]visit.ServiceLine(nil), m.lines[visitID]...), nil
}

func (m *memVisits) ListConfirmedForDay(_ context.Context, day time.Time) ([]*visit.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*visit.Visit
	for _, v := range m.visits {
		if v.Status == visit.StatusConfirmed && v.VisitDate.Equal(day) {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.Before(*out[j].ConfirmedAt) })
	return out, nil
}

func (m *memVisits) ExpirePendingTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, v := range m.visits {
		if v.Status == visit.StatusPendingConfirmation && v.ConfirmationExpiresAt != nil && !now.Before(*v.ConfirmationExpiresAt) {
			v.Status = visit.StatusExpired
			v.ConfirmationTokenHash = nil
			v.ConfirmationExpiresAt = nil
			m.visits[id] = v
			n++
		}
	}
	return n, nil
}

func (m *memVisits) List(_ context.Context, f visit.Filter, limit, offset int) ([]*visit.Visit, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*visit.Visit
	for _, v := range m.visits {
		if f.Day != nil && !v.VisitDate.Equal(*f.Day) {
			continue
		}
		if f.Status != nil && v.Status != *f.Status {
			continue
		}
		v := v
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memVisits) HasFinalRecord(_ context.Context, visitID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.records[visitID]
	return ok && status != "draft", nil
}

func (m *memVisits) setRecord(visitID uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[visitID] = status
}

// setStatus writes a status directly, standing in for rows written by
// other tools.
func (m *memVisits) setStatus(id uuid.UUID, st visit.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.visits[id]
	v.Status = st
	m.visits[id] = v
}

// memEvents is an in-memory confirmation.EventRepository.
type memEvents struct {
	mu     sync.Mutex
	events []confirmation.SecurityEvent
}

func (m *memEvents) Append(_ context.Context, e *confirmation.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	m.events = append(m.events, *e)
	return nil
}

func (m *memEvents) List(_ context.Context, visitID *uuid.UUID, limit, offset int) ([]*confirmation.SecurityEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*confirmation.SecurityEvent
	for i := range m.events {
		e := m.events[i]
		if visitID != nil && (e.VisitID == nil || *e.VisitID != *visitID) {
			continue
		}
		out = append(out, &e)
	}
	return out, len(out), nil
}

func (m *memEvents) all() []confirmation.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]confirmation.SecurityEvent(nil), m.events...)
}

type env struct {
	*queuetest.Fixture
	visits *memVisits
	events *memEvents
	svc    *visit.Service
	doctor uuid.UUID
	lab    uuid.UUID
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	f := queuetest.NewFixture(now, queuetest.Defaults)
	visits := newMemVisits(f.Clock.Now)
	f.Tx.Join(visits)
	events := &memEvents{}

	gate := confirmation.NewGate(visit.NewTokenResolver(visits), ratelimit.NewMemoryLimiter(f.Clock.Now), events,
		confirmation.DefaultConfig, zerolog.Nop())
	gate.SetClock(f.Clock.Now)

	svc := visit.NewService(visits, f.Store.EntryRepo(), f.Registry, f.Service, gate, visits, f.Tx, f.Notified,
		visit.Config{TokenTTL: 48 * time.Hour, PublicBaseURL: "https://clinic.test/", Location: time.UTC}, zerolog.Nop())
	svc.SetClock(f.Clock.Now)

	return &env{
		Fixture: f,
		visits:  visits,
		events:  events,
		svc:     svc,
		doctor:  f.Store.AddSpecialist("Dr. Karimova"),
		lab:     f.Store.AddSpecialist("Central Lab"),
	}
}

// book creates a pending visit on day with a consultation line.
func (e *env) book(t *testing.T, name string, day time.Time) *visit.Visit {
	t.Helper()
	v, err := e.svc.Create(context.Background(), visit.NewVisit{
		PatientID:   uuid.New(),
		DoctorID:    e.doctor,
		PatientName: name,
		Phone:       "+998 90 123 45 67",
		VisitDate:   day.Format("2006-01-02"),
		Services: []visit.NewServiceLine{
			{ServiceID: uuid.New(), SpecialistID: e.doctor, Amount: 100000},
		},
	})
	if err != nil {
		t.Fatalf("create visit: %v", err)
	}
	return v
}

// issue generates a confirmation token and moves the clock past the
// minimum confirmation delay.
func (e *env) issue(t *testing.T, v *visit.Visit) string {
	t.Helper()
	tok, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "telegram", "registrar-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	e.Clock.Advance(2 * time.Minute)
	return tok.Token
}

func attempt(token string) confirmation.Attempt {
	return confirmation.Attempt{
		Token:     token,
		Channel:   confirmation.ChannelPWA,
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
	}
}

func (e *env) visitEntries(visitID uuid.UUID) []queue.Entry {
	var out []queue.Entry
	for _, en := range e.Store.AllEntries() {
		if en.VisitID != nil && *en.VisitID == visitID {
			out = append(out, en)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueTime.Before(out[j].QueueTime) })
	return out
}
