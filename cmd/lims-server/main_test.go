package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/kvstore"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "test",
		LogLevel:            "debug",
		JWTTTL:              time.Hour,
		DefaultTenant:       "default",
		CORSOrigins:         []string{"http://localhost:3000"},
		RateLimitRPS:        100,
		RateLimitBurst:      200,
		RequestTimeout:      30 * time.Second,
		BodyLimit:           "2M",
		PasscodeMaxAttempts: 5,
		PasscodeLockout:     15 * time.Minute,
		LoginMaxAttempts:    10,
		LabName:             "Northside Lab",
	}
}

func testInfra() *infra {
	return &infra{
		kv:    kvstore.NewMemoryStore(),
		blobs: blobstore.NewInMemoryBlobStore(),
		pub:   events.NewMemoryPublisher(),
	}
}

func testServer(t *testing.T) *echo.Echo {
	t.Helper()
	key := bytes.Repeat([]byte{7}, 32)
	e, err := newServer(testConfig(), testInfra(), key, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func TestNewServer_Routes(t *testing.T) {
	e := testServer(t)
	want := map[string]bool{
		"GET /health":                                false,
		"GET /health/db":                             false,
		"POST /api/v1/auth/login":                    false,
		"POST /api/v1/patients":                      false,
		"GET /api/v1/tests":                          false,
		"POST /api/v1/assignments":                   false,
		"POST /api/v1/assignments/:id/start":         false,
		"PUT /api/v1/assignments/:id/result":         false,
		"POST /api/v1/results/:id/approve":           false,
		"POST /api/v1/reports":                       false,
		"GET /api/v1/reports/:id/download":           false,
		"POST /api/v1/public/reports/lookup":         false,
		"GET /api/v1/audit-logs":                     false,
		"GET /api/v1/stats/measures/:id/evaluate":    false,
		"POST /api/v1/admin/notifications/:id/retry": false,
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

func TestNewServer_HealthIsPublic(t *testing.T) {
	e := testServer(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestNewServer_APIRequiresToken(t *testing.T) {
	e := testServer(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestNewServer_RejectsEmptyKey(t *testing.T) {
	if _, err := newServer(testConfig(), testInfra(), nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing signing key")
	}
}

func TestResolveSigningKey(t *testing.T) {
	cfg := testConfig()
	key, generated, err := resolveSigningKey(cfg)
	if err != nil || !generated || len(key) != 32 {
		t.Errorf("expected random 32-byte key, got %d %v %v", len(key), generated, err)
	}

	cfg.JWTSigningKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	key, generated, err = resolveSigningKey(cfg)
	if err != nil || generated || key[1] != 0x11 {
		t.Errorf("expected configured key, got %x %v %v", key, generated, err)
	}

	cfg.JWTSigningKey = "not-hex"
	if _, _, err := resolveSigningKey(cfg); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestAuthMiddleware_Development(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "development"
	mw := authMiddleware(cfg, bytes.Repeat([]byte{7}, 32), auth.NewRevoker(kvstore.NewMemoryStore()))

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil), httptest.NewRecorder())
	var roles []string
	err := mw(func(c echo.Context) error {
		roles = auth.RolesFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roles) != 1 || roles[0] != auth.RoleAdmin {
		t.Errorf("expected development admin, got %v", roles)
	}
}

func TestSkipHealth(t *testing.T) {
	blocked := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusServiceUnavailable)
		}
	}
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), httptest.NewRecorder())
	if err := skipHealth(blocked)(ok)(c); err != nil {
		t.Errorf("expected health to bypass middleware, got %v", err)
	}
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/tests", nil), httptest.NewRecorder())
	if err := skipHealth(blocked)(ok)(c); err == nil {
		t.Error("expected middleware to run for API paths")
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "warn"
	if got := newLogger(cfg).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn, got %s", got)
	}
	cfg.LogLevel = "loud"
	if got := newLogger(cfg).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}
