package clinical

import (
	"fmt"
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
	api.GET("/lab-reports", h.ListLabReports)
	api.POST("/lab-reports/create", h.CreateLabReports)
	api.POST("/referrals/create", h.CreateReferral)
	api.GET("/prescriptions", h.ListPrescriptions)
	api.POST("/prescriptions/create", h.CreatePrescription)
	api.POST("/prescriptions/:id/dispense", h.Dispense)
}

// -- Lab Report Handlers --

func (h *Handler) CreateLabReports(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var in LabReportBatch
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reports, err := h.svc.CreateLabReports(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, reports)
}

func (h *Handler) ListLabReports(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	reports, err := h.svc.ListLabReports(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	if reports == nil {
		reports = []*LabReport{}
	}
	return c.JSON(http.StatusOK, reports)
}

// -- Referral Handlers --

func (h *Handler) CreateReferral(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var in ReferralInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ref, err := h.svc.CreateReferral(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": fmt.Sprintf("Successfully referred %s to Dr. %s.", ref.PatientName, ref.ToDoctorName),
		"id":      ref.ID,
	})
}

// -- Prescription Handlers --

func (h *Handler) CreatePrescription(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var in PrescriptionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreatePrescription(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	scripts, err := h.svc.ListPrescriptions(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	if scripts == nil {
		scripts = []*Prescription{}
	}
	return c.JSON(http.StatusOK, scripts)
}

func (h *Handler) Dispense(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.NotFound("Script")
	}
	if err := h.svc.Dispense(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Prescription marked as dispensed"})
}
