package audit

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit-logs", h.ListAuditLogs, auth.RequireRole(auth.RoleAdmin))
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
}

func (h *Handler) ListAuditLogs(c echo.Context) error {
	f := Filter{
		UserID:       c.QueryParam("user_id"),
		ResourceType: c.QueryParam("resource_type"),
		PatientID:    c.QueryParam("patient_id"),
	}
	if f.PatientID != "" {
		if _, err := uuid.Parse(f.PatientID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
	}
	var err error
	if f.From, err = parseTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = parseTime(c, "to"); err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAuditLogs(c.Request().Context(), f, pg.Limit, pg.Offset)
	switch {
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
