package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/results"
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

func (f *fixture) generated(t *testing.T) *Report {
	t.Helper()
	f.addResult(f.patient, results.StatusApproved)
	rep, err := f.svc.GenerateReport(as(f.doctor), f.patient.ID, nil)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	return rep
}

func TestHandler_GenerateReport(t *testing.T) {
	h, f, e := newTestHandler()
	f.addResult(f.patient, results.StatusApproved)

	c, rec := jsonContext(as(f.doctor), e, http.MethodPost, `{"patient_id":"`+f.patient.ID.String()+`"}`, "")
	if err := h.GenerateReport(c); err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.ReportNumber == "" || bytes.Contains(rec.Body.Bytes(), []byte("blob_id")) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = jsonContext(as(f.doctor), e, http.MethodPost, `{"patient_id":"`+f.other.ID.String()+`"}`, "")
	expectHTTPStatus(t, h.GenerateReport(c), http.StatusBadRequest)
	c, _ = jsonContext(as(f.doctor), e, http.MethodPost, `{}`, "")
	expectHTTPStatus(t, h.GenerateReport(c), http.StatusBadRequest)
}

func TestHandler_Download(t *testing.T) {
	h, f, e := newTestHandler()
	rep := f.generated(t)

	c, rec := jsonContext(as(f.doctor), e, http.MethodGet, "", rep.ID.String())
	if err := h.Download(c); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %q", ct)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), rep.FileName) {
		t.Error("expected file name in Content-Disposition")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control no-store")
	}

	if _, err := f.svc.VoidReport(adminCtx(), rep.ID, "duplicate"); err != nil {
		t.Fatal(err)
	}
	c, _ = jsonContext(as(f.doctor), e, http.MethodGet, "", rep.ID.String())
	expectHTTPStatus(t, h.Download(c), http.StatusGone)
	c, _ = jsonContext(as(f.doctor), e, http.MethodGet, "", "nope")
	expectHTTPStatus(t, h.Download(c), http.StatusBadRequest)
}

func TestHandler_VoidReport(t *testing.T) {
	h, f, e := newTestHandler()
	rep := f.generated(t)

	c, _ := jsonContext(as(f.doctor), e, http.MethodPost, `{"reason":"typo"}`, rep.ID.String())
	expectHTTPStatus(t, h.VoidReport(c), http.StatusForbidden)
	c, _ = jsonContext(adminCtx(), e, http.MethodPost, `{}`, rep.ID.String())
	expectHTTPStatus(t, h.VoidReport(c), http.StatusBadRequest)

	c, rec := jsonContext(adminCtx(), e, http.MethodPost, `{"reason":"typo"}`, rep.ID.String())
	if err := h.VoidReport(c); err != nil {
		t.Fatalf("VoidReport: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"VOIDED"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_PublicLookup(t *testing.T) {
	h, f, e := newTestHandler()
	rep := f.generated(t)

	body := `{"report_number":"` + rep.ReportNumber + `","passcode":"` + testPasscode + `"}`
	c, rec := jsonContext(context.Background(), e, http.MethodPost, body, "")
	if err := h.PublicLookup(c); err != nil {
		t.Fatalf("PublicLookup: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Error("expected PDF body")
	}

	c, _ = jsonContext(context.Background(), e, http.MethodPost, `{"report_number":"`+rep.ReportNumber+`","passcode":"12ab"}`, "")
	expectHTTPStatus(t, h.PublicLookup(c), http.StatusBadRequest)
	c, _ = jsonContext(context.Background(), e, http.MethodPost, `{"report_number":"`+rep.ReportNumber+`","passcode":"999999"}`, "")
	expectHTTPStatus(t, h.PublicLookup(c), http.StatusUnauthorized)
	c, _ = jsonContext(context.Background(), e, http.MethodPost, `{"report_number":"RPT-20260402-ZZZZZZZZ","passcode":"999999"}`, "")
	expectHTTPStatus(t, h.PublicLookup(c), http.StatusNotFound)
}

func TestHandler_PublicLookup_Locked(t *testing.T) {
	h, f, e := newTestHandler()
	f.patients.maxFails = 1
	rep := f.generated(t)

	wrong := `{"report_number":"` + rep.ReportNumber + `","passcode":"999999"}`
	c, _ := jsonContext(context.Background(), e, http.MethodPost, wrong, "")
	expectHTTPStatus(t, h.PublicLookup(c), http.StatusUnauthorized)

	right := `{"report_number":"` + rep.ReportNumber + `","passcode":"` + testPasscode + `"}`
	c, rec := jsonContext(context.Background(), e, http.MethodPost, right, "")
	expectHTTPStatus(t, h.PublicLookup(c), http.StatusLocked)
	if got := rec.Header().Get("Retry-After"); got != "900" {
		t.Errorf("expected Retry-After 900, got %q", got)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	api := e.Group("/api/v1")
	h.RegisterRoutes(api)
	h.RegisterPublicRoutes(api)

	want := map[string]bool{
		"POST /api/v1/reports":               false,
		"GET /api/v1/reports":                false,
		"GET /api/v1/reports/:id":            false,
		"GET /api/v1/reports/:id/download":   false,
		"POST /api/v1/reports/:id/void":      false,
		"POST /api/v1/public/reports/lookup": false,
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

func TestHTTPError_HidesInternalCause(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	cause := errors.New("dial tcp 10.0.0.5:5432: connection refused")

	err := httpError(c, cause)
	expectHTTPStatus(t, err, http.StatusInternalServerError)
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && !errors.Is(httpErr.Internal, cause) {
		t.Errorf("expected the cause kept as the internal error, got %v", httpErr.Internal)
	}

	e.HTTPErrorHandler(err, c)
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("expected a generic body, got %s", rec.Body.String())
	}
}
