package confirmation

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/auth"
	"github.com/clinicflow/queue/pkg/pagination"
)

type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/security-events", h.ListEvents)
}

func (h *Handler) ListEvents(c echo.Context) error {
	var visitID *uuid.UUID
	if v := c.QueryParam("visit_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_id", Message: "invalid visit_id"})
		}
		visitID = &id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.gate.ListEvents(c.Request().Context(), visitID, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}
