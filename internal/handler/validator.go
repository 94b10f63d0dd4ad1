package handler

import (
    "errors"
    "reflect"
    "strings"

    "github.com/go-playground/validator/v10"
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/service"
)

// Validator adapts go-playground/validator to echo.Validator.  Failures
// become invalid_request naming the first offending field.
type Validator struct {
    v *validator.Validate
}

// NewValidator reports fields by their form/json name.
func NewValidator() *Validator {
    v := validator.New(validator.WithRequiredStructEnabled())
    v.RegisterTagNameFunc(func(f reflect.StructField) string {
        for _, tag := range []string{"form", "json", "query", "param"} {
            if name, _, _ := strings.Cut(f.Tag.Get(tag), ","); name != "" && name != "-" {
                return name
            }
        }
        return f.Name
    })
    return &Validator{v: v}
}

// Validate implements echo.Validator.
func (cv *Validator) Validate(i interface{}) error {
    err := cv.v.Struct(i)
    if err == nil {
        return nil
    }
    var ve validator.ValidationErrors
    if errors.As(err, &ve) && len(ve) > 0 {
        fe := ve[0]
        switch fe.Tag() {
        case "required", "required_without":
            return service.ErrInvalidRequest.With("%s is required", fe.Field())
        default:
            return service.ErrInvalidRequest.With("%s is invalid (%s)", fe.Field(), fe.Tag())
        }
    }
    return service.ErrInvalidRequest
}

// bindValid binds the request into req and validates it.
func bindValid(c echo.Context, req interface{}) error {
    if err := c.Bind(req); err != nil {
        return service.ErrInvalidRequest.With("the request could not be parsed")
    }
    return c.Validate(req)
}
