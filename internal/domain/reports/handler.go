package reports

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

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
	staff := api.Group("/reports", auth.RequireRole(auth.RoleReceptionist, auth.RoleDoctor))
	staff.POST("", h.GenerateReport)
	staff.GET("", h.ListReports)
	staff.GET("/:id", h.GetReport)
	staff.GET("/:id/download", h.Download)
	staff.POST("/:id/void", h.VoidReport, auth.RequireRole(auth.RoleAdmin))
}

// RegisterPublicRoutes mounts the patient lookup, which runs without a
// token. mw is applied to the route, typically a strict rate limiter.
func (h *Handler) RegisterPublicRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	api.POST("/public/reports/lookup", h.PublicLookup, mw...)
}

func httpError(c echo.Context, err error) error {
	var lockout *identity.LockoutError
	switch {
	case errors.As(err, &lockout):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(lockout.RetryAfter.Seconds()))))
		return echo.NewHTTPError(http.StatusLocked, identity.ErrPasscodeLocked.Error())
	case errors.Is(err, identity.ErrPasscodeLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, identity.ErrInvalidPasscode):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid report number or passcode")
	case errors.Is(err, ErrNotFound), errors.Is(err, identity.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, identity.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrVoided):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrConflict):
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

type generateRequest struct {
	PatientID uuid.UUID   `json:"patient_id" validate:"required"`
	ResultIDs []uuid.UUID `json:"result_ids"`
}

func (h *Handler) GenerateReport(c echo.Context) error {
	var req generateRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	rep, err := h.svc.GenerateReport(c.Request().Context(), req.PatientID, req.ResultIDs)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, rep)
}

func (h *Handler) ListReports(c echo.Context) error {
	var patientID *uuid.UUID
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		patientID = &id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReports(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rep, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

func streamPDF(c echo.Context, rep *Report, body io.ReadCloser) error {
	defer body.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+rep.FileName+`"`)
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Stream(http.StatusOK, "application/pdf", body)
}

func (h *Handler) Download(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	body, rep, err := h.svc.Download(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return streamPDF(c, rep, body)
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

func (h *Handler) VoidReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req voidRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	rep, err := h.svc.VoidReport(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

type lookupRequest struct {
	ReportNumber string `json:"report_number" validate:"required,max=32"`
	Passcode     string `json:"passcode" validate:"required,passcode"`
}

func (h *Handler) PublicLookup(c echo.Context) error {
	var req lookupRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	body, rep, err := h.svc.PublicLookup(c.Request().Context(), req.ReportNumber, req.Passcode)
	if err != nil {
		return httpError(c, err)
	}
	return streamPDF(c, rep, body)
}
