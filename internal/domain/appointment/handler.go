package appointment

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointments", h.List)
	api.POST("/appointments/create", h.Book)
	api.POST("/appointments/create-payment-intent/:id", h.CreatePaymentIntent)
	api.GET("/appointments/:id", h.Get)
	api.PATCH("/appointments/:id/status", h.UpdateStatus)
	api.POST("/appointments/:id/pay", h.Pay)
	api.POST("/appointments/:id/cancel", h.Cancel)
	api.GET("/stripe-config", h.StripeConfig)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.List(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Book(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var in BookInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Book(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	var in StatusUpdate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON format in body")
	}
	a, err := h.svc.UpdateStatus(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	_, already, err := h.svc.Cancel(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	if already {
		return c.JSON(http.StatusOK, map[string]string{"message": "Already cancelled"})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Appointment cancelled successfully",
		"status":  string(StatusCancelled),
	})
}

func (h *Handler) Pay(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	var req struct {
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.MarkPaid(c.Request().Context(), actor, id, req.PaymentIntentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":        "Payment successful",
		"appointment_id": a.ID,
		"payment_status": a.PaymentStatus,
	})
}

func (h *Handler) CreatePaymentIntent(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	secret, err := h.svc.CreatePaymentIntent(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"clientSecret": secret})
}

func (h *Handler) StripeConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"publishableKey": h.svc.PaymentConfig()})
}

func appointmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.NotFound("Appointment")
	}
	return id, nil
}
