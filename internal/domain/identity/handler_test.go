package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/validation"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(f.userSvc, f.patSvc), f, e
}

func jsonRequest(ctx context.Context, method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(ctx)
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

func TestHandler_Login(t *testing.T) {
	h, f, e := newTestHandler()
	f.addUser("doc@lab.test", auth.RoleDoctor, "correct-horse")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(context.Background(), http.MethodPost, `{"email":"doc@lab.test","password":"correct-horse"}`), rec)
	if err := h.Login(c); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var res map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["access_token"] == "" || res["token_type"] != "Bearer" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "password_hash") {
		t.Error("password hash must not be serialized")
	}
}

func TestHandler_Login_Errors(t *testing.T) {
	h, f, e := newTestHandler()
	f.addUser("doc@lab.test", auth.RoleDoctor, "correct-horse")

	c := e.NewContext(jsonRequest(context.Background(), http.MethodPost, `{"email":"doc@lab.test"}`), httptest.NewRecorder())
	expectHTTPStatus(t, h.Login(c), http.StatusBadRequest)

	for i := 0; i < 3; i++ {
		c = e.NewContext(jsonRequest(context.Background(), http.MethodPost, `{"email":"doc@lab.test","password":"bad"}`), httptest.NewRecorder())
		expectHTTPStatus(t, h.Login(c), http.StatusUnauthorized)
	}
	c = e.NewContext(jsonRequest(context.Background(), http.MethodPost, `{"email":"doc@lab.test","password":"correct-horse"}`), httptest.NewRecorder())
	expectHTTPStatus(t, h.Login(c), http.StatusTooManyRequests)
}

func TestHandler_RegisterPatient(t *testing.T) {
	h, f, e := newTestHandler()
	rec := f.addUser("rec@lab.test", auth.RoleReceptionist, "correct-horse")

	body := `{"first_name":"Grace","last_name":"Hopper","birth_date":"1906-12-09","gender":"female","phone":"+15550100"}`
	w := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(staffContext(rec), http.MethodPost, body), w)
	if err := h.RegisterPatient(c); err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", w.Code)
	}
	var reg Registration
	if err := json.Unmarshal(w.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reg.Passcode) != 6 || reg.Patient.MRN == "" {
		t.Errorf("unexpected registration %s", w.Body.String())
	}
	if reg.Patient.BirthDate == nil || reg.Patient.BirthDate.Year() != 1906 {
		t.Error("expected birth date to be parsed")
	}
	if strings.Contains(w.Body.String(), "passcode_hash") {
		t.Error("passcode hash must not be serialized")
	}
}

func TestHandler_RegisterPatient_BadGender(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(context.Background(), http.MethodPost, `{"first_name":"A","last_name":"B","gender":"x"}`), httptest.NewRecorder())
	expectHTTPStatus(t, h.RegisterPatient(c), http.StatusBadRequest)
}

func TestHandler_GetPatient_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("7d0e1f6c-5a4b-4c3d-9e8f-0a1b2c3d4e5f")
	expectHTTPStatus(t, h.GetPatient(c), http.StatusNotFound)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPStatus(t, h.GetPatient(c), http.StatusBadRequest)
}

func TestHandler_VerifyPasscode_Lockout(t *testing.T) {
	h, f, e := newTestHandler()
	reg, err := f.patSvc.RegisterPatient(context.Background(), &Patient{FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}
	wrong := "000000"
	if reg.Passcode == wrong {
		wrong = "111111"
	}

	verify := func(passcode string) (*httptest.ResponseRecorder, error) {
		w := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(context.Background(), http.MethodPost, `{"passcode":"`+passcode+`"}`), w)
		c.SetParamNames("id")
		c.SetParamValues(reg.Patient.ID.String())
		return w, h.VerifyPasscode(c)
	}

	if w, err := verify(reg.Passcode); err != nil || w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v %d", err, w.Code)
	}
	if _, err := verify("12ab"); err == nil {
		t.Fatal("expected malformed passcode to be rejected")
	}
	for i := 0; i < 2; i++ {
		_, err := verify(wrong)
		expectHTTPStatus(t, err, http.StatusUnauthorized)
	}
	w, err := verify(wrong)
	expectHTTPStatus(t, err, http.StatusLocked)
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on lockout")
	}
}

func TestHandler_UpdateUser_LastAdmin(t *testing.T) {
	h, f, e := newTestHandler()
	admin := f.addUser("admin@lab.test", auth.RoleAdmin, "correct-horse")

	c := e.NewContext(jsonRequest(staffContext(admin), http.MethodPatch, `{"active":false}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(admin.ID.String())
	expectHTTPStatus(t, h.UpdateUser(c), http.StatusConflict)
}

func TestHandler_ListUsers(t *testing.T) {
	h, f, e := newTestHandler()
	f.addUser("a@lab.test", auth.RoleDoctor, "correct-horse")
	f.addUser("b@lab.test", auth.RoleTechnician, "correct-horse")

	w := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?role=doctor", nil), w)
	if err := h.ListUsers(c); err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	var res struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("expected total 1, got %d", res.Total)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/auth/login":                   false,
		"GET /api/v1/patients/:id":                  false,
		"POST /api/v1/patients/:id/passcode/verify": false,
		"POST /api/v1/users/:id/reset-password":     false,
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
