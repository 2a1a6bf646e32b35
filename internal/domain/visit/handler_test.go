package visit_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/domain/visit"
	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/auth"
)

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func httpStatus(t *testing.T, err error) (int, apperr.Body) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	body, _ := he.Message.(apperr.Body)
	return he.Code, body
}

func TestHandler_CreateVisit(t *testing.T) {
	e := newEnv(t, at(9, 0))
	h := visit.NewHandler(e.svc)
	ec := echo.New()

	body := `{"patient_id":"` + e.doctor.String() + `","doctor_id":"` + e.doctor.String() +
		`","patient_name":"Aziza","phone":"+998901234567","visit_date":"2026-03-03"}`
	rec := httptest.NewRecorder()
	if err := h.Create(ec.NewContext(jsonRequest(http.MethodPost, body), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "pending_confirmation" {
		t.Errorf("expected pending_confirmation, got %v", got["status"])
	}
	if _, leaked := got["confirmation_token"]; leaked {
		t.Error("expected no token field in the response")
	}
}

func TestHandler_PublicConfirm(t *testing.T) {
	e := newEnv(t, at(8, 0))
	h := visit.NewHandler(e.svc)
	ec := echo.New()
	v := e.book(t, "Aziza", today)
	token := e.issue(t, v)

	req := jsonRequest(http.MethodPost, `{"token":"`+token+`","identity":"+998 90 123 45 67"}`)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 14)")
	rec := httptest.NewRecorder()
	c := ec.NewContext(req, rec)
	c.SetParamNames("channel")
	c.SetParamValues("phone")

	if err := h.Confirm(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Visit   map[string]interface{}   `json:"visit"`
		Entries []map[string]interface{} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Visit["status"] != "open" || len(got.Entries) != 1 {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_PublicConfirmIdentityMismatch(t *testing.T) {
	e := newEnv(t, at(8, 0))
	h := visit.NewHandler(e.svc)
	v := e.book(t, "Aziza", today)
	token := e.issue(t, v)

	req := jsonRequest(http.MethodPost, `{"token":"`+token+`","identity":"+998 99 999 99 99"}`)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 14)")
	c := echo.New().NewContext(req, httptest.NewRecorder())
	c.SetParamNames("channel")
	c.SetParamValues("phone")

	code, body := httpStatus(t, h.Confirm(c))
	if code != http.StatusForbidden || body.Code != "identity_mismatch" {
		t.Errorf("expected 403 identity_mismatch, got %d %+v", code, body)
	}
}

func TestHandler_PublicConfirmUnknownChannel(t *testing.T) {
	e := newEnv(t, at(8, 0))
	h := visit.NewHandler(e.svc)
	c := echo.New().NewContext(jsonRequest(http.MethodPost, `{"token":"x"}`), httptest.NewRecorder())
	c.SetParamNames("channel")
	c.SetParamValues("registrar")

	code, body := httpStatus(t, h.Confirm(c))
	if code != http.StatusNotFound || body.Code != "unknown_channel" {
		t.Errorf("expected 404 unknown_channel, got %d %+v", code, body)
	}
}

func TestHandler_StartReturnsCurrentStatus(t *testing.T) {
	e := newEnv(t, at(8, 0))
	h := visit.NewHandler(e.svc)
	v := e.book(t, "Aziza", today)

	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(v.ID.String())

	code, body := httpStatus(t, h.Start(c))
	if code != http.StatusConflict || body.CurrentStatus != "pending_confirmation" {
		t.Errorf("expected 409 with current status, got %d %+v", code, body)
	}
}

func TestHandler_ConfirmByRegistrarUsesActor(t *testing.T) {
	e := newEnv(t, at(8, 0))
	h := visit.NewHandler(e.svc)
	v := e.book(t, "Aziza", today)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.WithActor(req.Context(), "registrar-7", auth.RoleRegistrar))
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(v.ID.String())

	if err := h.ConfirmByRegistrar(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := e.svc.Get(req.Context(), v.ID)
	if got.ConfirmedBy == nil || *got.ConfirmedBy != "registrar-7" {
		t.Errorf("expected confirmed_by registrar-7, got %v", got.ConfirmedBy)
	}
}

func TestHandler_MorningAssignmentJob(t *testing.T) {
	e := newEnv(t, at(14, 0))
	h := visit.NewHandler(e.svc)
	v := e.book(t, "Aziza", tomorrow)
	if _, err := e.svc.ConfirmByRegistrar(httptest.NewRequest(http.MethodGet, "/", nil).Context(), v.ID, "r"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	e.Clock.Set(tomorrow.Add(7 * time.Hour))

	rec := httptest.NewRecorder()
	if err := h.RunMorningAssignment(echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report visit.AssignmentReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Assigned != 1 {
		t.Errorf("expected one assignment, got %+v", report)
	}
}

func TestHandler_ListRejectsUnknownStatus(t *testing.T) {
	e := newEnv(t, at(8, 0))
	h := visit.NewHandler(e.svc)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?status=archived", nil), httptest.NewRecorder())

	code, body := httpStatus(t, h.List(c))
	if code != http.StatusBadRequest || body.Code != "invalid_status" {
		t.Errorf("expected 400 invalid_status, got %d %+v", code, body)
	}
}
