package visit

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/domain/confirmation"
	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/auth"
	"github.com/clinicflow/queue/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts staff routes on api and the patient confirmation
// endpoint on public.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleOperator, auth.RoleDoctor))
	read.GET("/visits", h.List)
	read.GET("/visits/:id", h.Get)

	desk := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	desk.POST("/visits", h.Create)
	desk.POST("/visits/:id/confirm", h.ConfirmByRegistrar)
	desk.POST("/visits/:id/confirmation-token", h.IssueConfirmationToken)
	desk.POST("/visits/:id/pay", h.Pay)
	desk.POST("/visits/:id/cancel", h.Cancel)

	clinical := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleDoctor))
	clinical.POST("/visits/:id/call", h.Call)
	clinical.POST("/visits/:id/start", h.Start)
	clinical.POST("/visits/:id/complete", h.Complete)

	jobs := api.Group("", auth.RequireRole(auth.RoleOperator))
	jobs.POST("/jobs/morning-assignment", h.RunMorningAssignment)

	public.POST("/confirmations/:channel", h.Confirm)
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

func (h *Handler) Create(c echo.Context) error {
	var req NewVisit
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) List(c echo.Context) error {
	var f Filter
	if v := c.QueryParam("day"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_day", Message: "day must be YYYY-MM-DD"})
		}
		f.Day = &d
	}
	if v := c.QueryParam("status"); v != "" {
		st, err := NormalizeStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_status", Message: err.Error()})
		}
		f.Status = &st
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

func (h *Handler) ConfirmByRegistrar(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.ConfirmByRegistrar(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

type issueTokenRequest struct {
	Channel string `json:"channel"`
}

func (h *Handler) IssueConfirmationToken(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req issueTokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.svc.IssueConfirmationToken(ctx, id, req.Channel, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) Call(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Call(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Pay(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Pay(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Start(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	v, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) RunMorningAssignment(c echo.Context) error {
	report, err := h.svc.RunMorningAssignment(c.Request().Context())
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, report)
}

type confirmRequest struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
}

// Confirm is the patient-facing confirmation endpoint for one channel.
func (h *Handler) Confirm(c echo.Context) error {
	channel, err := confirmation.ParseChannel(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, apperr.Body{Code: "unknown_channel", Message: err.Error()})
	}
	var req confirmRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.ConfirmByToken(c.Request().Context(), confirmation.Attempt{
		Token:     req.Token,
		Channel:   channel,
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		Identity:  req.Identity,
	})
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
