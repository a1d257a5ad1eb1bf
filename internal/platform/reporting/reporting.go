// Package reporting serves the dashboard measures: workload, volume and
// turnaround figures computed with SQL against the tenant schema.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// DefaultWindow is the reporting window used when no from date is given.
const DefaultWindow = 30 * 24 * time.Hour

// MeasureDefinition defines a reporting measure with its SQL query. Every
// query takes the window start as $1 and the window end as $2.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "assignment-status-summary",
		Name:        "Assignment Status Summary",
		Description: "Assignments created in the window grouped by current status",
		SQL: `SELECT status, COUNT(*) AS total
			FROM assignments
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "technician-workload",
		Name:        "Technician Workload",
		Description: "Open and finished assignments per technician",
		SQL: `SELECT u.id AS technician_id, u.full_name AS technician,
				COUNT(*) FILTER (WHERE a.status IN ('ASSIGNED', 'IN_PROGRESS')) AS open,
				COUNT(*) FILTER (WHERE a.status IN ('COMPLETED', 'SUBMITTED')) AS finished,
				COUNT(*) FILTER (WHERE a.status IN ('ASSIGNED', 'IN_PROGRESS') AND a.due_at < NOW()) AS overdue
			FROM assignments a
			JOIN users u ON u.id = a.technician_id
			WHERE a.created_at >= $1 AND a.created_at < $2
			GROUP BY u.id, u.full_name
			ORDER BY open DESC, finished DESC`,
	},
	{
		ID:          "test-volume",
		Name:        "Test Volume",
		Description: "Assignments per test, excluding cancelled work",
		SQL: `SELECT t.code, t.name, COUNT(*) AS total
			FROM assignments a
			JOIN lab_tests t ON t.id = a.test_id
			WHERE a.status <> 'CANCELLED' AND a.created_at >= $1 AND a.created_at < $2
			GROUP BY t.code, t.name
			ORDER BY total DESC`,
	},
	{
		ID:          "result-turnaround",
		Name:        "Result Turnaround",
		Description: "Hours from assignment creation to result approval, per test",
		SQL: `SELECT t.code, COUNT(*) AS approved,
				ROUND(AVG(EXTRACT(EPOCH FROM (r.reviewed_at - a.created_at)) / 3600)::numeric, 2) AS avg_hours,
				ROUND(MAX(EXTRACT(EPOCH FROM (r.reviewed_at - a.created_at)) / 3600)::numeric, 2) AS max_hours
			FROM results r
			JOIN assignments a ON a.id = r.assignment_id
			JOIN lab_tests t ON t.id = r.test_id
			WHERE r.status = 'APPROVED' AND r.reviewed_at >= $1 AND r.reviewed_at < $2
			GROUP BY t.code
			ORDER BY avg_hours DESC`,
	},
	{
		ID:          "abnormal-result-rate",
		Name:        "Abnormal Result Rate",
		Description: "Share of approved results with at least one flagged value, per test",
		SQL: `SELECT t.code, COUNT(*) AS approved,
				COUNT(*) FILTER (WHERE EXISTS (
					SELECT 1 FROM jsonb_array_elements(r.result_values) v
					WHERE v->>'flag' IN ('L', 'H', 'A'))) AS abnormal
			FROM results r
			JOIN lab_tests t ON t.id = r.test_id
			WHERE r.status = 'APPROVED' AND r.reviewed_at >= $1 AND r.reviewed_at < $2
			GROUP BY t.code
			ORDER BY abnormal DESC`,
	},
	{
		ID:          "report-volume",
		Name:        "Report Volume",
		Description: "Reports generated per day",
		SQL: `SELECT DATE(generated_at) AS day,
				COUNT(*) FILTER (WHERE status = 'GENERATED') AS generated,
				COUNT(*) FILTER (WHERE status = 'VOIDED') AS voided
			FROM reports
			WHERE generated_at >= $1 AND generated_at < $2
			GROUP BY DATE(generated_at)
			ORDER BY day`,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// QueryRunner executes a measure query and returns its rows keyed by column.
type QueryRunner interface {
	Run(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error)
}

type pgRunner struct {
	pool *pgxpool.Pool
}

// NewPGRunner runs queries on the request's tenant connection.
func NewPGRunner(pool *pgxpool.Pool) QueryRunner {
	return &pgRunner{pool: pool}
}

func (r *pgRunner) Run(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	runner QueryRunner
	now    func() time.Time
}

func NewHandler(runner QueryRunner) *Handler {
	return &Handler{runner: runner, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/stats", auth.RequireRole(auth.RoleDoctor))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure handles GET /stats/measures/:id/evaluate?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	from, to, err := parseWindow(c.QueryParam("from"), c.QueryParam("to"), h.now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	results, err := h.runner.Run(c.Request().Context(), measure.SQL, from, to)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed").SetInternal(err)
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		From:        from,
		To:          to,
		GeneratedAt: h.now().UTC(),
		Results:     results,
	})
}

// parseWindow resolves the [from, to) window. The to date is inclusive in
// the query string, so the returned end is the start of the following day.
func parseWindow(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	to := now.UTC()
	if toStr != "" {
		d, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q, expected YYYY-MM-DD", toStr)
		}
		to = d.AddDate(0, 0, 1)
	}
	from := to.Add(-DefaultWindow)
	if fromStr != "" {
		d, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q, expected YYYY-MM-DD", fromStr)
		}
		from = d
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}
