package results

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/workflow"
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
	bench := api.Group("/assignments", auth.RequireRole(auth.RoleTechnician))
	bench.PUT("/:id/result", h.SaveResult)
	bench.POST("/:id/result/submit", h.SubmitResult)

	readers := auth.RequireRole(auth.RoleTechnician, auth.RoleDoctor)
	api.GET("/assignments/:id/result", h.GetByAssignment, readers)
	api.GET("/results/:id", h.GetResult, readers)

	review := api.Group("/results", auth.RequireRole(auth.RoleDoctor))
	review.GET("", h.ListResults)
	review.GET("/queue", h.ReviewQueue)
	review.POST("/:id/approve", h.Approve)
	review.POST("/:id/reject", h.Reject)
}

// httpError maps result errors and falls back to the workflow mapping for
// errors raised by the assignment it drives.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return workflow.HTTPError(c, err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type valueRequest struct {
	ParameterID uuid.UUID `json:"parameter_id" validate:"required"`
	Value       string    `json:"value" validate:"required,max=500"`
}

type saveRequest struct {
	Values         []valueRequest `json:"values" validate:"dive"`
	Interpretation *string        `json:"interpretation" validate:"omitempty,max=4000"`
	Complete       bool           `json:"complete"`
}

func (h *Handler) SaveResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req saveRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	in := SaveInput{Interpretation: req.Interpretation, Complete: req.Complete}
	for _, v := range req.Values {
		in.Values = append(in.Values, ValueInput{ParameterID: v.ParameterID, Value: v.Value})
	}
	res, err := h.svc.SaveResult(c.Request().Context(), id, in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SubmitResult(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetByAssignment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetByAssignment(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) list(c echo.Context, f Filter) error {
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListResults(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListResults(c echo.Context) error {
	return h.list(c, Filter{Status: c.QueryParam("status")})
}

// ReviewQueue lists submitted results, oldest submission first.
func (h *Handler) ReviewQueue(c echo.Context) error {
	return h.list(c, Filter{Status: StatusSubmitted})
}

type approveRequest struct {
	Comment string `json:"comment" validate:"max=4000"`
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req approveRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Approve(c.Request().Context(), id, req.Comment)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=4000"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Reject(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
