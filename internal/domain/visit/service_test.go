package visit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/queue/internal/domain/confirmation"
	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/domain/visit"
	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/notification"
)

func TestCreate_StartsPendingConfirmation(t *testing.T) {
	e := newEnv(t, at(9, 0))
	v := e.book(t, "Aziza", tomorrow)

	if v.Status != visit.StatusPendingConfirmation {
		t.Errorf("expected pending_confirmation, got %s", v.Status)
	}
	if v.Phone != "+998901234567" {
		t.Errorf("expected normalized phone, got %s", v.Phone)
	}
	if v.DiscountMode != "none" {
		t.Errorf("expected default discount mode, got %q", v.DiscountMode)
	}
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t, at(9, 0))
	tests := []struct {
		name string
		in   visit.NewVisit
	}{
		{"missing name", visit.NewVisit{DoctorID: e.doctor, VisitDate: "2026-03-03"}},
		{"missing doctor", visit.NewVisit{PatientName: "A", VisitDate: "2026-03-03"}},
		{"bad date", visit.NewVisit{PatientName: "A", DoctorID: e.doctor, VisitDate: "03/03/2026"}},
		{"past date", visit.NewVisit{PatientName: "A", DoctorID: e.doctor, VisitDate: "2026-03-01"}},
		{"negative amount", visit.NewVisit{PatientName: "A", DoctorID: e.doctor, VisitDate: "2026-03-03",
			Services: []visit.NewServiceLine{{ServiceID: uuid.New(), Amount: -5}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Create(context.Background(), tt.in)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestConfirmByToken_TodayOpensAndQueues(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	token := e.issue(t, v)

	res, err := e.svc.ConfirmByToken(context.Background(), attempt(token))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Visit.Status != visit.StatusOpen {
		t.Errorf("expected open, got %s", res.Visit.Status)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected one queue entry, got %d", len(res.Entries))
	}
	en := res.Entries[0]
	if en.Number != 1 || en.Source != queue.SourceConfirmation || en.Amount != 100000 {
		t.Errorf("unexpected entry: %+v", en)
	}
	if en.VisitID == nil || *en.VisitID != v.ID {
		t.Error("expected entry to reference the visit")
	}
	if res.Visit.ConfirmedAt == nil || res.Visit.ConfirmedBy == nil || *res.Visit.ConfirmedBy != "patient:pwa" {
		t.Errorf("expected confirmation stamp, got %+v", res.Visit)
	}

	sent := e.Notified.Sent()
	last := sent[len(sent)-1]
	if last.TemplateKey != notification.TemplateVisitQueued || last.Data["number"] != "1" {
		t.Errorf("expected queued notification with number 1, got %+v", last)
	}
}

func TestConfirmByToken_FutureVisitWaitsForMorningAssignment(t *testing.T) {
	e := newEnv(t, at(14, 0))
	v := e.book(t, "Aziza", tomorrow)
	token := e.issue(t, v)

	res, err := e.svc.ConfirmByToken(context.Background(), attempt(token))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Visit.Status != visit.StatusConfirmed {
		t.Errorf("expected confirmed, got %s", res.Visit.Status)
	}
	if len(res.Entries) != 0 || len(e.visitEntries(v.ID)) != 0 {
		t.Error("expected no queue entry before the visit day")
	}
	sent := e.Notified.Sent()
	if sent[len(sent)-1].TemplateKey != notification.TemplateVisitConfirmed {
		t.Errorf("expected visit_confirmed notification, got %s", sent[len(sent)-1].TemplateKey)
	}

	e.Clock.Set(tomorrow.Add(6*time.Hour + 30*time.Minute))
	report, err := e.svc.RunMorningAssignment(context.Background())
	if err != nil {
		t.Fatalf("morning assignment: %v", err)
	}
	if report.Processed != 1 || report.Assigned != 1 || report.Failed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	got, _ := e.svc.Get(context.Background(), v.ID)
	if got.Status != visit.StatusOpen {
		t.Errorf("expected open after assignment, got %s", got.Status)
	}
	entries := e.visitEntries(v.ID)
	if len(entries) != 1 || entries[0].Source != queue.SourceMorningAssignment || entries[0].Number != 1 {
		t.Errorf("expected one morning_assignment entry, got %+v", entries)
	}

	again, err := e.svc.RunMorningAssignment(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Processed != 0 || len(e.visitEntries(v.ID)) != 1 {
		t.Errorf("expected re-run to change nothing, got %+v", again)
	}
}

func TestConfirmByToken_ReplayIsInvalidState(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	token := e.issue(t, v)

	if _, err := e.svc.ConfirmByToken(context.Background(), attempt(token)); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	_, err := e.svc.ConfirmByToken(context.Background(), attempt(token))
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on replay, got %v", err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.CurrentStatus != string(visit.StatusOpen) {
		t.Errorf("expected current status open, got %q", ae.CurrentStatus)
	}
	if n := len(e.visitEntries(v.ID)); n != 1 {
		t.Errorf("expected exactly one queue entry, got %d", n)
	}
}

func TestConfirmByToken_RejectedAttemptLeavesVisitPending(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *confirmation.Attempt)
		advance time.Duration
		want    error
		code    string
	}{
		{"bot user agent", func(a *confirmation.Attempt) { a.UserAgent = "TelegramBot (like TwitterBot)" }, 0, apperr.ErrSuspicious, confirmation.CodeBotUserAgent},
		{"unknown token", func(a *confirmation.Attempt) { a.Token = "nope" }, 0, apperr.ErrNotFound, confirmation.CodeInvalidToken},
		{"expired token", func(a *confirmation.Attempt) {}, 49 * time.Hour, apperr.ErrInvalidState, confirmation.CodeTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, at(8, 0))
			v := e.book(t, "Aziza", tomorrow.AddDate(0, 0, 2))
			token := e.issue(t, v)
			e.Clock.Advance(tt.advance)

			a := attempt(token)
			tt.mutate(&a)
			_, err := e.svc.ConfirmByToken(context.Background(), a)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var ae *apperr.Error
			if !errors.As(err, &ae) || ae.Code != tt.code {
				t.Errorf("expected code %s, got %v", tt.code, err)
			}

			got, _ := e.svc.Get(context.Background(), v.ID)
			if got.Status != visit.StatusPendingConfirmation {
				t.Errorf("expected visit to stay pending, got %s", got.Status)
			}
			events := e.events.all()
			last := events[len(events)-1]
			if last.EventType != confirmation.EventConfirmationAttempt || last.Success || last.Reason != tt.code {
				t.Errorf("expected failed attempt event, got %+v", last)
			}
			if last.TokenHash == nil || strings.Contains(*last.TokenHash, a.Token) {
				t.Error("expected only the token hash in the event")
			}
		})
	}
}

func TestConfirmByToken_TooFastAfterBooking(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", tomorrow)
	tok, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "sms", "registrar-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	e.Clock.Advance(10 * time.Second)

	_, err = e.svc.ConfirmByToken(context.Background(), attempt(tok.Token))
	if !errors.Is(err, apperr.ErrSuspicious) {
		t.Fatalf("expected suspicious activity, got %v", err)
	}

	e.Clock.Advance(time.Minute)
	if _, err := e.svc.ConfirmByToken(context.Background(), attempt(tok.Token)); err != nil {
		t.Fatalf("expected confirmation after the delay, got %v", err)
	}
}

func TestConfirmByToken_SupersededTokenRejected(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", tomorrow)
	first := e.issue(t, v)
	second := e.issue(t, v)

	_, err := e.svc.ConfirmByToken(context.Background(), attempt(first))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected the replaced token to be unknown, got %v", err)
	}
	if _, err := e.svc.ConfirmByToken(context.Background(), attempt(second)); err != nil {
		t.Fatalf("expected the new token to work, got %v", err)
	}
}

func TestConfirmByToken_FansOutPerSpecialistAndDepartment(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v, err := e.svc.Create(context.Background(), visit.NewVisit{
		PatientID:   uuid.New(),
		DoctorID:    e.doctor,
		PatientName: "Bobur",
		Phone:       "+998907654321",
		VisitDate:   today.Format("2006-01-02"),
		Services: []visit.NewServiceLine{
			{ServiceID: uuid.New(), SpecialistID: e.doctor, Amount: 100000},
			{ServiceID: uuid.New(), SpecialistID: e.lab, Department: "lab", Amount: 20000},
			{ServiceID: uuid.New(), SpecialistID: e.lab, Department: "lab", Amount: 25000},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	token := e.issue(t, v)

	res, err := e.svc.ConfirmByToken(context.Background(), attempt(token))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(res.Entries))
	}
	if res.Entries[0].Amount != 100000 {
		t.Errorf("expected consultation amount, got %d", res.Entries[0].Amount)
	}
	if res.Entries[1].Amount != 45000 {
		t.Errorf("expected summed lab amount 45000, got %d", res.Entries[1].Amount)
	}
	if res.Entries[0].QueueID == res.Entries[1].QueueID {
		t.Error("expected separate queues")
	}
}

func TestConfirmByToken_VisitDatePassed(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	token := e.issue(t, v)
	e.Clock.Set(tomorrow.Add(8 * time.Hour))

	_, err := e.svc.ConfirmByToken(context.Background(), attempt(token))
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != visit.CodeVisitDatePassed {
		t.Fatalf("expected visit_date_passed, got %v", err)
	}
}

func TestConfirmByRegistrar(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)

	res, err := e.svc.ConfirmByRegistrar(context.Background(), v.ID, "registrar-1")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if res.Visit.Status != visit.StatusOpen || len(res.Entries) != 1 {
		t.Errorf("expected open visit with one entry, got %+v", res)
	}

	_, err = e.svc.ConfirmByRegistrar(context.Background(), v.ID, "registrar-1")
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on second override, got %v", err)
	}

	events := e.events.all()
	if len(events) != 2 {
		t.Fatalf("expected two override events, got %d", len(events))
	}
	if !events[0].Success || events[1].Success || events[1].Actor != "registrar-1" {
		t.Errorf("unexpected override events: %+v", events)
	}
	for _, ev := range events {
		if ev.EventType != confirmation.EventRegistrarOverride {
			t.Errorf("expected registrar_override, got %s", ev.EventType)
		}
	}
}

func TestIssueConfirmationToken(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", tomorrow)

	tok, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "telegram", "registrar-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Link != "https://clinic.test/confirm/"+tok.Token {
		t.Errorf("unexpected link %s", tok.Link)
	}
	if !tok.ExpiresAt.Equal(at(8, 0).Add(48 * time.Hour)) {
		t.Errorf("unexpected expiry %s", tok.ExpiresAt)
	}

	stored, _ := e.svc.Get(context.Background(), v.ID)
	if stored.ConfirmationTokenHash == nil || *stored.ConfirmationTokenHash != confirmation.HashToken(tok.Token) {
		t.Error("expected only the token hash to be stored")
	}

	sent := e.Notified.Sent()
	if len(sent) != 1 || sent[0].TemplateKey != notification.TemplateConfirmationRequired || sent[0].Data["link"] != tok.Link {
		t.Errorf("expected confirmation link notification, got %+v", sent)
	}
}

func TestIssueConfirmationToken_RateLimited(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", tomorrow)

	for i := 0; i < confirmation.DefaultConfig.TokenGenMax; i++ {
		if _, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "", "registrar-1"); err != nil {
			t.Fatalf("issue %d: %v", i+1, err)
		}
	}
	_, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "", "registrar-1")
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}

	e.Clock.Advance(time.Hour)
	if _, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "", "registrar-1"); err != nil {
		t.Fatalf("expected a new window to allow issuance, got %v", err)
	}
}

func TestIssueConfirmationToken_RequiresPending(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	if _, err := e.svc.ConfirmByRegistrar(context.Background(), v.ID, "registrar-1"); err != nil {
		t.Fatalf("override: %v", err)
	}
	_, err := e.svc.IssueConfirmationToken(context.Background(), v.ID, "", "registrar-1")
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCleanupExpiredTokens(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", tomorrow.AddDate(0, 0, 5))
	token := e.issue(t, v)
	fresh := e.book(t, "Bobur", tomorrow.AddDate(0, 0, 5))

	e.Clock.Advance(49 * time.Hour)
	n, err := e.svc.CleanupExpiredTokens(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one expired visit, got %d", n)
	}
	got, _ := e.svc.Get(context.Background(), v.ID)
	if got.Status != visit.StatusExpired || got.ConfirmationTokenHash != nil {
		t.Errorf("expected expired visit without token, got %+v", got)
	}
	untouched, _ := e.svc.Get(context.Background(), fresh.ID)
	if untouched.Status != visit.StatusPendingConfirmation {
		t.Errorf("expected visit without token to stay pending, got %s", untouched.Status)
	}

	if n, _ := e.svc.CleanupExpiredTokens(context.Background()); n != 0 {
		t.Errorf("expected second sweep to change nothing, got %d", n)
	}
	if _, err := e.svc.ConfirmByToken(context.Background(), attempt(token)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected cleared token to be unknown, got %v", err)
	}
}

func TestVisitLifecycle(t *testing.T) {
	e := newEnv(t, at(8, 0))
	ctx := context.Background()
	v := e.book(t, "Aziza", today)
	if _, err := e.svc.ConfirmByRegistrar(ctx, v.ID, "registrar-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	steps := []struct {
		name string
		fn   func(context.Context, uuid.UUID) (*visit.Visit, error)
		want visit.Status
	}{
		{"call", e.svc.Call, visit.StatusCalled},
		{"pay", e.svc.Pay, visit.StatusPaid},
		{"start", e.svc.Start, visit.StatusInVisit},
	}
	for _, s := range steps {
		got, err := s.fn(ctx, v.ID)
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got.Status != s.want {
			t.Fatalf("%s: expected %s, got %s", s.name, s.want, got.Status)
		}
	}

	_, err := e.svc.Complete(ctx, v.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != visit.CodeClinicalRecordRequired {
		t.Fatalf("expected clinical record requirement, got %v", err)
	}

	e.visits.setRecord(v.ID, "draft")
	if _, err := e.svc.Complete(ctx, v.ID); err == nil {
		t.Fatal("expected a draft record to block completion")
	}

	e.visits.setRecord(v.ID, "final")
	done, err := e.svc.Complete(ctx, v.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != visit.StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
}

func TestStart_FromCalledSkipsPayment(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	if _, err := e.svc.ConfirmByRegistrar(context.Background(), v.ID, "r"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := e.svc.Call(context.Background(), v.ID); err != nil {
		t.Fatalf("call: %v", err)
	}
	got, err := e.svc.Start(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.Status != visit.StatusInVisit {
		t.Errorf("expected in_visit, got %s", got.Status)
	}
}

func TestStart_RejectsPendingWithCurrentStatus(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)

	_, err := e.svc.Start(context.Background(), v.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if ae.CurrentStatus != string(visit.StatusPendingConfirmation) {
		t.Errorf("expected current status echoed, got %q", ae.CurrentStatus)
	}
}

func TestCancel_CancelsQueueEntries(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	if _, err := e.svc.ConfirmByRegistrar(context.Background(), v.ID, "r"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, err := e.svc.Cancel(context.Background(), v.ID, "patient called in sick")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != visit.StatusCancelled || got.CancelReason == nil {
		t.Errorf("expected cancelled visit with reason, got %+v", got)
	}
	entries := e.visitEntries(v.ID)
	if len(entries) != 1 || entries[0].Status != queue.StatusCancelled {
		t.Fatalf("expected the queue entry cancelled, got %+v", entries)
	}
	if entries[0].CancelledVia == nil || *entries[0].CancelledVia != queue.CancelledByVisit {
		t.Error("expected cancellation through the visit")
	}

	if _, err := e.svc.Cancel(context.Background(), v.ID, ""); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected second cancel to be rejected, got %v", err)
	}
}

func TestCancel_RejectedFromInVisit(t *testing.T) {
	e := newEnv(t, at(8, 0))
	v := e.book(t, "Aziza", today)
	e.visits.setStatus(v.ID, visit.StatusInVisit)

	if _, err := e.svc.Cancel(context.Background(), v.ID, "x"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}
