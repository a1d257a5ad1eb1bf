package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	read := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleTechnician, auth.RoleDoctor))
	read.GET("/tests", h.ListTests)
	read.GET("/tests/:id", h.GetTest)
	read.GET("/tests/code/:code", h.GetTestByCode)
	read.GET("/packages", h.ListPackages)
	read.GET("/packages/:id", h.GetPackage)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/tests", h.CreateTest)
	admin.PUT("/tests/:id", h.UpdateTest)
	admin.DELETE("/tests/:id", h.DeleteTest)
	admin.POST("/packages", h.CreatePackage)
	admin.PUT("/packages/:id", h.UpdatePackage)
	admin.DELETE("/packages/:id", h.DeletePackage)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
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

func activeParam(c echo.Context) *bool {
	v := c.QueryParam("active")
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

type parameterRequest struct {
	Name      string   `json:"name" validate:"required,max=128"`
	Unit      string   `json:"unit" validate:"max=32"`
	RefLow    *float64 `json:"ref_low"`
	RefHigh   *float64 `json:"ref_high"`
	RefText   *string  `json:"ref_text" validate:"omitempty,max=128"`
	SortOrder int      `json:"sort_order" validate:"gte=0"`
}

type testRequest struct {
	Code            string             `json:"code" validate:"required,code"`
	Name            string             `json:"name" validate:"required,max=255"`
	Category        string             `json:"category" validate:"max=64"`
	SampleType      string             `json:"sample_type" validate:"max=64"`
	Description     *string            `json:"description"`
	PriceCents      int64              `json:"price_cents" validate:"gte=0"`
	TurnaroundHours int                `json:"turnaround_hours" validate:"gte=0"`
	Active          *bool              `json:"active"`
	Parameters      []parameterRequest `json:"parameters" validate:"dive"`
}

func (r *testRequest) toTest() *LabTest {
	t := &LabTest{
		Code:            r.Code,
		Name:            r.Name,
		Category:        r.Category,
		SampleType:      r.SampleType,
		Description:     r.Description,
		PriceCents:      r.PriceCents,
		TurnaroundHours: r.TurnaroundHours,
		Active:          true,
		Parameters:      make([]TestParameter, len(r.Parameters)),
	}
	if r.Active != nil {
		t.Active = *r.Active
	}
	for i, p := range r.Parameters {
		t.Parameters[i] = TestParameter{
			Name:      p.Name,
			Unit:      p.Unit,
			RefLow:    p.RefLow,
			RefHigh:   p.RefHigh,
			RefText:   p.RefText,
			SortOrder: p.SortOrder,
		}
	}
	return t
}

func (h *Handler) CreateTest(c echo.Context) error {
	var req testRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	t := req.toTest()
	if err := h.svc.CreateTest(c.Request().Context(), t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetTestByCode(c echo.Context) error {
	t, err := h.svc.GetTestByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTests(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := TestFilter{
		Category: c.QueryParam("category"),
		Active:   activeParam(c),
		Query:    c.QueryParam("q"),
	}
	tests, total, err := h.svc.ListTests(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tests, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req testRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	t, err := h.svc.UpdateTest(c.Request().Context(), id, req.toTest())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	deactivated, err := h.svc.DeleteTest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if deactivated {
		return c.JSON(http.StatusOK, map[string]string{"status": "deactivated"})
	}
	return c.NoContent(http.StatusNoContent)
}

type packageRequest struct {
	Code        string      `json:"code" validate:"required,code"`
	Name        string      `json:"name" validate:"required,max=255"`
	Description *string     `json:"description"`
	PriceCents  int64       `json:"price_cents" validate:"gte=0"`
	Active      *bool       `json:"active"`
	TestIDs     []uuid.UUID `json:"test_ids" validate:"required,min=1"`
}

func (r *packageRequest) toPackage() *TestPackage {
	p := &TestPackage{
		Code:        r.Code,
		Name:        r.Name,
		Description: r.Description,
		PriceCents:  r.PriceCents,
		Active:      true,
		TestIDs:     r.TestIDs,
	}
	if r.Active != nil {
		p.Active = *r.Active
	}
	return p
}

func (h *Handler) CreatePackage(c echo.Context) error {
	var req packageRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	p := req.toPackage()
	if err := h.svc.CreatePackage(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPackage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPackage(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPackages(c echo.Context) error {
	pg := pagination.FromContext(c)
	packages, total, err := h.svc.ListPackages(c.Request().Context(), activeParam(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(packages, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePackage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req packageRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdatePackage(c.Request().Context(), id, req.toPackage())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePackage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	deactivated, err := h.svc.DeletePackage(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if deactivated {
		return c.JSON(http.StatusOK, map[string]string{"status": "deactivated"})
	}
	return c.NoContent(http.StatusNoContent)
}
