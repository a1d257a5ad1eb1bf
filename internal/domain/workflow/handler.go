package workflow

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/identity"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/validation"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/assignments", auth.RequireRole(auth.RoleReceptionist, auth.RoleTechnician, auth.RoleDoctor))
	read.GET("", h.ListAssignments)
	read.GET("/:id", h.GetAssignment)
	read.GET("/:id/history", h.StatusHistory)

	front := api.Group("/assignments", auth.RequireRole(auth.RoleReceptionist))
	front.POST("", h.CreateAssignment)
	front.POST("/package", h.AssignPackage)
	front.POST("/:id/assign", h.AssignTechnician)
	front.POST("/:id/unassign", h.Unassign)
	front.POST("/:id/cancel", h.Cancel)

	bench := api.Group("/assignments", auth.RequireRole(auth.RoleTechnician))
	bench.POST("/:id/start", h.Start)
	bench.POST("/:id/complete", h.MarkCompleted)
	bench.POST("/:id/reopen", h.Reopen)
}

// HTTPError maps workflow errors, and the identity passcode errors surfaced
// by Start, onto HTTP responses.
func HTTPError(c echo.Context, err error) error {
	var lockout *identity.LockoutError
	switch {
	case errors.As(err, &lockout):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(lockout.RetryAfter.Seconds()))))
		return echo.NewHTTPError(http.StatusLocked, identity.ErrPasscodeLocked.Error())
	case errors.Is(err, identity.ErrPasscodeLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, identity.ErrInvalidPasscode):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, identity.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, identity.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
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

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

type createRequest struct {
	PatientID    uuid.UUID  `json:"patient_id" validate:"required"`
	TestID       uuid.UUID  `json:"test_id" validate:"required"`
	TechnicianID *uuid.UUID `json:"technician_id"`
	Priority     string     `json:"priority" validate:"omitempty,priority"`
	Notes        *string    `json:"notes" validate:"omitempty,max=2000"`
	DueAt        *time.Time `json:"due_at"`
}

func (h *Handler) CreateAssignment(c echo.Context) error {
	var req createRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.svc.CreateAssignment(c.Request().Context(), NewAssignment{
		PatientID:    req.PatientID,
		TestID:       req.TestID,
		TechnicianID: req.TechnicianID,
		Priority:     req.Priority,
		Notes:        req.Notes,
		DueAt:        req.DueAt,
	})
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

type packageRequest struct {
	PatientID    uuid.UUID  `json:"patient_id" validate:"required"`
	PackageID    uuid.UUID  `json:"package_id" validate:"required"`
	TechnicianID *uuid.UUID `json:"technician_id"`
	Priority     string     `json:"priority" validate:"omitempty,priority"`
	Notes        *string    `json:"notes" validate:"omitempty,max=2000"`
}

func (h *Handler) AssignPackage(c echo.Context) error {
	var req packageRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	items, err := h.svc.AssignPackage(c.Request().Context(), NewPackageAssignment{
		PatientID:    req.PatientID,
		PackageID:    req.PackageID,
		TechnicianID: req.TechnicianID,
		Priority:     req.Priority,
		Notes:        req.Notes,
	})
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"data": items, "total": len(items)})
}

type assignRequest struct {
	TechnicianID uuid.UUID `json:"technician_id" validate:"required"`
}

func (h *Handler) AssignTechnician(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.svc.AssignTechnician(c.Request().Context(), id, req.TechnicianID)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Unassign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Unassign(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type startRequest struct {
	Passcode string `json:"passcode" validate:"required,passcode"`
}

func (h *Handler) Start(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req startRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.svc.Start(c.Request().Context(), id, req.Passcode)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkCompleted(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.MarkCompleted(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Reopen(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Reopen(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	a, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetAssignment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAssignment(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Status: c.QueryParam("status")}
	var err error
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.TechnicianID, err = optionalUUID(c, "technician_id"); err != nil {
		return err
	}
	if f.TestID, err = optionalUUID(c, "test_id"); err != nil {
		return err
	}
	f.Mine, _ = strconv.ParseBool(c.QueryParam("mine"))

	items, total, err := h.svc.ListAssignments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) StatusHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return HTTPError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}
