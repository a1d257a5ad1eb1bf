// Package validation wires go-playground/validator into echo and adds the
// lab-specific tags used by request DTOs.
package validation

import (
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var (
	passcodePattern = regexp.MustCompile(`^[0-9]{6}$`)
	phonePattern    = regexp.MustCompile(`^\+?[0-9][0-9 \-]{6,18}$`)
	codePattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,31}$`)
)

var (
	roles      = map[string]bool{"admin": true, "receptionist": true, "technician": true, "doctor": true}
	genders    = map[string]bool{"male": true, "female": true, "other": true, "unknown": true}
	priorities = map[string]bool{"routine": true, "urgent": true, "stat": true}
)

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("role", oneOf(roles))
	_ = v.RegisterValidation("gender", oneOf(genders))
	_ = v.RegisterValidation("priority", oneOf(priorities))
	_ = v.RegisterValidation("passcode", matches(passcodePattern))
	_ = v.RegisterValidation("phone", matches(phonePattern))
	_ = v.RegisterValidation("code", matches(codePattern))
	return &Validator{v: v}
}

func oneOf(allowed map[string]bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return allowed[fl.Field().String()]
	}
}

func matches(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// Errors maps field names to human-readable problems.
type Errors map[string]string

func (e Errors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e[k])
	}
	return strings.Join(parts, "; ")
}

// Validate checks i and returns Errors when any rule fails.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(Errors, len(verrs))
	for _, fe := range verrs {
		out[fieldPath(fe)] = describe(fe)
	}
	return out
}

// fieldPath drops the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "role":
		return "must be one of [admin receptionist technician doctor]"
	case "gender":
		return "must be one of [male female other unknown]"
	case "priority":
		return "must be one of [routine urgent stat]"
	case "passcode":
		return "must be exactly 6 digits"
	case "phone":
		return "must be a valid phone number"
	case "code":
		return "must be 1-32 letters, digits, '-' or '_'"
	case "dive":
		return "contains an invalid element"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// BindAndValidate binds the request body into dst and validates it. Any
// failure becomes a 400 with the problem described.
func BindAndValidate(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(dst); err != nil {
		if verrs, ok := err.(Errors); ok {
			return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
				"message": "validation failed",
				"fields":  verrs,
			})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
