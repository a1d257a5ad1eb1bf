package results

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/validation"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(f.svc), f, e
}

func jsonContext(ctx context.Context, e *echo.Echo, method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req.WithContext(ctx), rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_SaveResult(t *testing.T) {
	h, f, e := newTestHandler()
	a := f.assignment(workflow.StatusInProgress)

	body := `{"values":[{"parameter_id":"` + f.param(0).String() + `","value":"3.1"}],"interpretation":"low count"}`
	c, rec := jsonContext(as(f.tech), e, http.MethodPut, body, a.ID.String())
	if err := h.SaveResult(c); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Values) != 1 || res.Values[0].Flag != FlagLow {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_SaveResult_Errors(t *testing.T) {
	h, f, e := newTestHandler()
	a := f.assignment(workflow.StatusInProgress)

	c, _ := jsonContext(as(f.tech), e, http.MethodPut, `{"values":[{"value":"3"}]}`, a.ID.String())
	expectHTTPStatus(t, h.SaveResult(c), http.StatusBadRequest)

	body := `{"values":[{"parameter_id":"` + uuid.NewString() + `","value":"3"}]}`
	c, _ = jsonContext(as(f.tech), e, http.MethodPut, body, a.ID.String())
	expectHTTPStatus(t, h.SaveResult(c), http.StatusBadRequest)

	c, _ = jsonContext(as(f.otherTech), e, http.MethodPut, `{"values":[]}`, a.ID.String())
	expectHTTPStatus(t, h.SaveResult(c), http.StatusForbidden)

	c, _ = jsonContext(as(f.tech), e, http.MethodPut, `{"values":[]}`, uuid.NewString())
	expectHTTPStatus(t, h.SaveResult(c), http.StatusNotFound)

	started := f.assignment(workflow.StatusAssigned)
	c, _ = jsonContext(as(f.tech), e, http.MethodPut, `{"values":[]}`, started.ID.String())
	expectHTTPStatus(t, h.SaveResult(c), http.StatusConflict)
}

func TestHandler_Reject(t *testing.T) {
	h, f, e := newTestHandler()
	res := f.submitted()

	c, _ := jsonContext(as(f.doctor), e, http.MethodPost, `{}`, res.ID.String())
	expectHTTPStatus(t, h.Reject(c), http.StatusBadRequest)

	c, rec := jsonContext(as(f.doctor), e, http.MethodPost, `{"reason":"clotted"}`, res.ID.String())
	if err := h.Reject(c); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if !strings.Contains(rec.Body.String(), StatusRejected) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = jsonContext(as(f.doctor), e, http.MethodPost, `{"reason":"again"}`, res.ID.String())
	expectHTTPStatus(t, h.Reject(c), http.StatusConflict)
}

func TestHandler_Approve(t *testing.T) {
	h, f, e := newTestHandler()
	res := f.submitted()

	c, _ := jsonContext(as(f.doctor), e, http.MethodPost, "", res.ID.String())
	if err := h.Approve(c); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	c, _ = jsonContext(as(f.doctor), e, http.MethodPost, "", uuid.NewString())
	expectHTTPStatus(t, h.Approve(c), http.StatusNotFound)
}

func TestHandler_ReviewQueue(t *testing.T) {
	h, f, e := newTestHandler()
	f.submitted()
	draft := f.assignment(workflow.StatusInProgress)
	if _, err := f.svc.SaveResult(as(f.tech), draft.ID, SaveInput{Values: f.fullValues()}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/?status=DRAFT", nil).WithContext(as(f.doctor))
	if err := h.ReviewQueue(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ReviewQueue: %v", err)
	}
	var page struct {
		Data  []Result `json:"data"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].Status != StatusSubmitted {
		t.Errorf("expected only submitted results, got %+v", page)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"PUT /api/v1/assignments/:id/result":         false,
		"POST /api/v1/assignments/:id/result/submit": false,
		"GET /api/v1/assignments/:id/result":         false,
		"GET /api/v1/results/:id":                    false,
		"GET /api/v1/results/queue":                  false,
		"POST /api/v1/results/:id/approve":           false,
		"POST /api/v1/results/:id/reject":            false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("missing route %s", k)
		}
	}
}
