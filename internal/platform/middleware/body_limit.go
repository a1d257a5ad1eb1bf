package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

// DefaultBodyLimit applies when BODY_LIMIT is unset or unparsable. Report
// generation requests are small; the largest bodies are result batches.
const DefaultBodyLimit int64 = 1 << 20

// BodyLimit caps the request body size. The limit is checked against
// Content-Length up front and enforced again while the handler reads, since
// chunked requests carry no length.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			if req.ContentLength > maxBytes {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds %s", bytes.Format(maxBytes)))
			}

			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  maxBytes,
			}

			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	return n, err
}

// parseLimit converts a size such as "512K" or "2M" to bytes (1024 based),
// falling back to DefaultBodyLimit when the value is missing or invalid.
func parseLimit(s string) int64 {
	n, err := bytes.Parse(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return DefaultBodyLimit
	}
	return n
}
