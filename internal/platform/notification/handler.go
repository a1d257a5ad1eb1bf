package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// NotificationHandler exposes the notification history to administrators.
type NotificationHandler struct {
	manager *NotificationManager
}

func NewNotificationHandler(mgr *NotificationManager) *NotificationHandler {
	return &NotificationHandler{manager: mgr}
}

// RegisterRoutes registers notification routes on g. The caller applies the
// admin role check to the group.
func (h *NotificationHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *NotificationHandler) HandleGet(c echo.Context) error {
	n, err := h.manager.GetNotification(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=...&limit=...
func (h *NotificationHandler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	list, err := h.manager.ListByRecipient(c.Request().Context(), recipient, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list, "total": len(list)})
}

func (h *NotificationHandler) HandleRetry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	err := h.manager.Retry(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	n, _ := h.manager.GetNotification(ctx, id)
	if err != nil {
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *NotificationHandler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
