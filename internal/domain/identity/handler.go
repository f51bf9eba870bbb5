package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the account endpoints on api. authLimit is applied
// to the credential endpoints (login and password reset).
func (h *Handler) RegisterRoutes(api *echo.Group, authLimit ...echo.MiddlewareFunc) {
	api.POST("/register", h.Register)
	api.POST("/login", h.Login, authLimit...)
	api.POST("/token/refresh", h.Refresh)
	api.POST("/request-reset", h.RequestReset, authLimit...)
	api.POST("/confirm-reset", h.ConfirmReset, authLimit...)

	api.GET("/profile", h.GetProfile)
	api.PUT("/profile", h.UpdateProfile)
	api.PATCH("/profile", h.UpdateProfile)

	api.GET("/doctors", h.ListDoctors)
	api.POST("/doctor/toggle-availability", h.ToggleAvailability)

	api.GET("/users", h.ListUsers)
	api.POST("/users/create", h.CreateUser)
	api.GET("/users/:id", h.GetUser)
	api.PUT("/users/:id", h.EditUser)
	api.PATCH("/users/:id", h.EditUser)
	api.PUT("/users/:id/update", h.UpdateUser)
	api.PATCH("/users/:id/update", h.UpdateUser)
	api.DELETE("/users/:id/delete", h.DeleteUser)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := h.svc.Register(c.Request().Context(), in); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"message": "Patient registered successfully"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format. Expected JSON.")
	}
	res, err := h.svc.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Refresh(c echo.Context) error {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	access, err := h.svc.Refresh(c.Request().Context(), req.Refresh)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"access": access})
}

func (h *Handler) GetProfile(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetProfile(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var patch ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), actor, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	doctors, err := h.svc.ListDoctors(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doctors)
}

func (h *Handler) ToggleAvailability(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	available, err := h.svc.ToggleAvailability(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	label := "Uncleared/Unavailable"
	if available {
		label = "Available"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":      "Status updated to " + label,
		"is_available": available,
	})
}

// ListUsers returns a bare array unless the client asks for a page.
func (h *Handler) ListUsers(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	f := UserFilter{Role: auth.Role(c.QueryParam("role"))}
	paged := pagination.Requested(c)
	pg := pagination.FromContext(c)
	if paged {
		f.Limit, f.Offset = pg.Limit, pg.Offset
	}

	users, total, err := h.svc.ListUsers(c.Request().Context(), actor, f)
	if err != nil {
		return err
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, u.Summary())
	}
	if !paged {
		return c.JSON(http.StatusOK, out)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(c.Request().URL, out, total, pg))
}

func (h *Handler) GetUser(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) EditUser(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	var patch ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.EditUser(c.Request().Context(), actor, id, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) CreateUser(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var in CreateUserInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := h.svc.CreateUser(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": fmt.Sprintf("%s user created successfully", capitalize(string(u.Role))),
		"id":      u.ID,
	})
}

func (h *Handler) UpdateUser(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	var in UpdateUserInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := h.svc.UpdateUser(c.Request().Context(), actor, id, in); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "User updated successfully"})
}

func (h *Handler) DeleteUser(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUser(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

func (h *Handler) RequestReset(c echo.Context) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.RequestPasswordReset(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": ResetRequestedMessage})
}

func (h *Handler) ConfirmReset(c echo.Context) error {
	var req struct {
		Email       string `json:"email"`
		Code        string `json:"code"`
		NewPassword string `json:"new_password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ConfirmPasswordReset(c.Request().Context(), req.Email, req.Code, req.NewPassword); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Password reset successfully"})
}

func userID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.NotFound("User")
	}
	return id, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
