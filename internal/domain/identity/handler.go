package identity

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/validation"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	users    *UserService
	patients *PatientService
}

func NewHandler(users *UserService, patients *PatientService) *Handler {
	return &Handler{users: users, patients: patients}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/login", h.Login)
	api.POST("/auth/logout", h.Logout)
	api.GET("/auth/me", h.Me)
	api.PUT("/auth/password", h.ChangePassword)

	admin := api.Group("/users", auth.RequireRole(auth.RoleAdmin))
	admin.POST("", h.CreateUser)
	admin.GET("", h.ListUsers)
	admin.GET("/:id", h.GetUser)
	admin.PATCH("/:id", h.UpdateUser)
	admin.POST("/:id/deactivate", h.DeactivateUser)
	admin.POST("/:id/reset-password", h.ResetPassword)

	read := api.Group("/patients", auth.RequireRole(auth.RoleReceptionist, auth.RoleTechnician, auth.RoleDoctor))
	read.GET("", h.SearchPatients)
	read.GET("/:id", h.GetPatient)
	read.GET("/mrn/:mrn", h.GetPatientByMRN)
	read.POST("/:id/passcode/verify", h.VerifyPasscode)

	write := api.Group("/patients", auth.RequireRole(auth.RoleReceptionist))
	write.POST("", h.RegisterPatient)
	write.PUT("/:id", h.UpdatePatient)
	write.POST("/:id/deactivate", h.DeactivatePatient)
	write.POST("/:id/passcode", h.RegeneratePasscode)
}

// httpError maps identity errors onto HTTP responses.
func httpError(c echo.Context, err error) error {
	var lockout *LockoutError
	switch {
	case errors.As(err, &lockout):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(lockout.RetryAfter.Seconds()))))
		return echo.NewHTTPError(http.StatusLocked, ErrPasscodeLocked.Error())
	case errors.Is(err, ErrPasscodeLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLastAdmin):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidPasscode):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrAccountInactive), errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrLoginThrottled):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseBool(v string) *bool {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// -- Auth --

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.users.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Logout(c echo.Context) error {
	if err := h.users.Logout(c.Request().Context()); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	u, err := h.users.Me(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

func (h *Handler) ChangePassword(c echo.Context) error {
	var req changePasswordRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.users.ChangePassword(c.Request().Context(), req.OldPassword, req.NewPassword); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Users --

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	FullName string `json:"full_name" validate:"required,max=255"`
	Role     string `json:"role" validate:"required,role"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	u := &User{Email: req.Email, FullName: req.FullName, Role: req.Role}
	if err := h.users.CreateUser(c.Request().Context(), u, req.Password); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := UserFilter{Role: c.QueryParam("role"), Active: parseBool(c.QueryParam("active"))}
	users, total, err := h.users.ListUsers(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	u, err := h.users.GetUser(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

type updateUserRequest struct {
	FullName *string `json:"full_name" validate:"omitempty,max=255"`
	Role     *string `json:"role" validate:"omitempty,role"`
	Active   *bool   `json:"active"`
}

func (h *Handler) UpdateUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateUserRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	u, err := h.users.UpdateUser(c.Request().Context(), id, UserUpdate{
		FullName: req.FullName,
		Role:     req.Role,
		Active:   req.Active,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) DeactivateUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	u, err := h.users.DeactivateUser(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) ResetPassword(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req resetPasswordRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.users.ResetPassword(c.Request().Context(), id, req.Password); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Patients --

type patientRequest struct {
	FirstName string  `json:"first_name" validate:"required,max=128"`
	LastName  string  `json:"last_name" validate:"required,max=128"`
	BirthDate string  `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	Gender    string  `json:"gender" validate:"omitempty,gender"`
	Phone     *string `json:"phone" validate:"omitempty,phone"`
	Email     *string `json:"email" validate:"omitempty,email"`
	Address   *string `json:"address" validate:"omitempty,max=1000"`
}

func (r *patientRequest) toPatient() *Patient {
	p := &Patient{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Gender:    r.Gender,
		Phone:     r.Phone,
		Email:     r.Email,
		Address:   r.Address,
	}
	if r.BirthDate != "" {
		if d, err := time.Parse("2006-01-02", r.BirthDate); err == nil {
			p.BirthDate = &d
		}
	}
	return p
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req patientRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	reg, err := h.patients.RegisterPatient(c.Request().Context(), req.toPatient())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.patients.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientByMRN(c echo.Context) error {
	p, err := h.patients.GetPatientByMRN(c.Request().Context(), c.Param("mrn"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := PatientFilter{
		Name:   c.QueryParam("name"),
		MRN:    c.QueryParam("mrn"),
		Phone:  c.QueryParam("phone"),
		Active: parseBool(c.QueryParam("active")),
	}
	patients, total, err := h.patients.SearchPatients(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req patientRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.patients.UpdatePatient(c.Request().Context(), id, req.toPatient())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeactivatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.patients.DeactivatePatient(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RegeneratePasscode(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reg, err := h.patients.RegeneratePasscode(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, reg)
}

type verifyPasscodeRequest struct {
	Passcode string `json:"passcode" validate:"required,passcode"`
}

func (h *Handler) VerifyPasscode(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req verifyPasscodeRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.patients.VerifyPasscode(c.Request().Context(), id, req.Passcode); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"verified": true})
}
