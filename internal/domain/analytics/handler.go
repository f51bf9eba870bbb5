package analytics

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the dashboard endpoint. mw runs before the handler,
// typically a coarse role check.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	api.GET("/ai-insights", h.Insights, mw...)
}

func (h *Handler) Insights(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Insights(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
