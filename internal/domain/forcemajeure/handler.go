package forcemajeure

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/auth"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	ops := api.Group("/force-majeure", auth.RequireRole(auth.RoleOperator))
	ops.POST("/transfer", h.Transfer)
	ops.POST("/cancel", h.Cancel)
}

func (h *Handler) Transfer(c echo.Context) error {
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_body", Message: err.Error()})
	}
	ctx := c.Request().Context()
	req.Actor = auth.UserIDFromContext(ctx)
	res, err := h.engine.Transfer(ctx, req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Cancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, apperr.Body{Code: "invalid_body", Message: err.Error()})
	}
	ctx := c.Request().Context()
	req.Actor = auth.UserIDFromContext(ctx)
	res, err := h.engine.Cancel(ctx, req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}
