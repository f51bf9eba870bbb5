package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/unread-count", h.UnreadCount)
	api.PUT("/notifications/:id/read", h.MarkRead)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListForRecipient(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UnreadCount(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	n, err := h.svc.UnreadCount(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) MarkRead(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Notification not found")
	}
	if err := h.svc.MarkRead(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Marked as read"})
}
