package queue

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/auth"
	"github.com/clinicflow/queue/pkg/pagination"
)

type Handler struct {
	svc  *Service
	join *JoinService
}

func NewHandler(svc *Service, join *JoinService) *Handler {
	return &Handler{svc: svc, join: join}
}

// RegisterRoutes mounts staff routes on api and patient-facing routes on
// public. The public group carries no authentication.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleOperator))
	staff.POST("/queue-tokens", h.IssueToken)
	staff.GET("/queue-tokens", h.ListTokens)
	staff.DELETE("/queue-tokens/:token", h.RevokeToken)
	staff.GET("/queues", h.ListQueues)
	staff.POST("/queues", h.OpenQueue)
	staff.GET("/queues/:id", h.GetQueue)
	staff.GET("/queues/:id/entries", h.ListEntries)
	staff.POST("/queues/:id/open", h.OpenReception)
	staff.POST("/queues/desk-admissions", h.AdmitAtDesk)
	staff.GET("/queue-entries/:id", h.GetEntry)
	staff.POST("/queue-entries/:id/call", h.CallEntry)
	staff.POST("/queue-entries/:id/serve", h.ServeEntry)
	staff.POST("/queue-entries/:id/no-show", h.NoShowEntry)
	staff.POST("/queue-entries/:id/cancel", h.CancelEntry)

	public.GET("/queue-tokens/:token", h.InspectToken)
	public.POST("/queue-tokens/:token/sessions", h.StartJoinSession)
	public.POST("/join-sessions/:session/complete", h.CompleteJoinSession)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_id", Message: "invalid id"})
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_body", Message: err.Error()})
	}
	return nil
}

// -- QR tokens --

func (h *Handler) IssueToken(c echo.Context) error {
	var req IssueTokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.IssuedBy = auth.UserIDFromContext(c.Request().Context())
	t, err := h.join.IssueToken(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListTokens(c echo.Context) error {
	var specialistID *uuid.UUID
	if v := c.QueryParam("specialist_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_id", Message: "invalid specialist_id"})
		}
		specialistID = &id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.join.ListTokens(c.Request().Context(), specialistID, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

func (h *Handler) RevokeToken(c echo.Context) error {
	if err := h.join.RevokeToken(c.Request().Context(), c.Param("token")); err != nil {
		return apperr.HTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Queues --

func (h *Handler) ListQueues(c echo.Context) error {
	var day time.Time
	if v := c.QueryParam("day"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_day", Message: "day must be YYYY-MM-DD"})
		}
		day = d
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListQueues(c.Request().Context(), day, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

type openQueueRequest struct {
	SpecialistID uuid.UUID `json:"specialist_id"`
	Department   string    `json:"department"`
	Day          string    `json:"day"`
}

func (h *Handler) OpenQueue(c echo.Context) error {
	var req openQueueRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	key := Key{SpecialistID: req.SpecialistID, QueueTag: strings.TrimSpace(req.Department)}
	if req.Day != "" {
		d, err := time.Parse("2006-01-02", req.Day)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_day", Message: "day must be YYYY-MM-DD"})
		}
		key.Day = d
	}
	q, err := h.svc.OpenQueue(c.Request().Context(), key)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) GetQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.GetQueue(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) ListEntries(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var statuses []EntryStatus
	if v := c.QueryParam("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			statuses = append(statuses, EntryStatus(strings.TrimSpace(s)))
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEntries(c.Request().Context(), id, statuses, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

func (h *Handler) OpenReception(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.OpenReception(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) AdmitAtDesk(c echo.Context) error {
	var req DeskAdmission
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.AdmitAtDesk(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTP(err)
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	return c.JSON(status, res.Entry)
}

// -- Entries --

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) CallEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.CallEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ServeEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.ServeEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) NoShowEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.MarkNoShow(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	e, err := h.svc.CancelEntry(c.Request().Context(), id, req.Reason, CancelledByStaff)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Public join flow --

func (h *Handler) InspectToken(c echo.Context) error {
	info, err := h.join.InspectToken(c.Request().Context(), c.Param("token"))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) StartJoinSession(c echo.Context) error {
	s, err := h.join.StartJoinSession(c.Request().Context(), c.Param("token"))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) CompleteJoinSession(c echo.Context) error {
	var req JoinDetails
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.join.CompleteJoinSession(c.Request().Context(), c.Param("session"), req)
	if err != nil {
		return apperr.HTTP(err)
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}
