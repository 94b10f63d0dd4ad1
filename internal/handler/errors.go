package handler

import (
    "errors"
    "log/slog"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/service"
)

// errorBody is the only error shape the API returns.
type errorBody struct {
    Error       string `json:"error"`
    Description string `json:"error_description,omitempty"`
}

// statusOverrides pins codes whose status differs from their kind's.
var statusOverrides = map[string]int{
    "invalid_grant":             http.StatusBadRequest,
    "invalid_link_code":         http.StatusBadRequest,
    "username_taken":            http.StatusConflict,
    "license_already_activated": http.StatusConflict,
}

// Status returns the HTTP status for a service error.
func Status(e *service.Error) int {
    if s, ok := statusOverrides[e.Code]; ok {
        return s
    }
    switch e.Kind {
    case service.KindValidation:
        return http.StatusBadRequest
    case service.KindAuthentication:
        return http.StatusUnauthorized
    case service.KindForbidden, service.KindState:
        return http.StatusForbidden
    case service.KindNotFound:
        return http.StatusNotFound
    case service.KindTransient:
        return http.StatusServiceUnavailable
    default:
        return http.StatusInternalServerError
    }
}

// ErrorHandler renders every error as {error, error_description}.  Service
// errors carry their own code; echo errors (unknown route, bad method, bind
// failures) are translated; anything else is logged and reported as
// server_error without detail.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
    return func(err error, c echo.Context) {
        if c.Response().Committed {
            return
        }
        status, body := render(err)
        if status >= http.StatusInternalServerError {
            logger.ErrorContext(c.Request().Context(), "request failed",
                slog.String("path", c.Path()), slog.Int("status", status), slog.Any("error", err))
        }
        if status == http.StatusUnauthorized {
            c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="`+body.Error+`"`)
        }
        if c.Request().Method == http.MethodHead {
            err = c.NoContent(status)
        } else {
            err = c.JSON(status, body)
        }
        if err != nil {
            logger.ErrorContext(c.Request().Context(), "write error response", slog.Any("error", err))
        }
    }
}

func render(err error) (int, errorBody) {
    var se *service.Error
    if errors.As(err, &se) {
        return Status(se), errorBody{Error: se.Code, Description: se.Description}
    }
    var he *echo.HTTPError
    if errors.As(err, &he) {
        switch he.Code {
        case http.StatusNotFound:
            return he.Code, errorBody{Error: "not_found", Description: "no such endpoint"}
        case http.StatusMethodNotAllowed:
            return he.Code, errorBody{Error: "method_not_allowed"}
        case http.StatusUnsupportedMediaType, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
            return http.StatusBadRequest, errorBody{Error: service.ErrInvalidRequest.Code, Description: "the request body could not be parsed"}
        case http.StatusServiceUnavailable:
            return he.Code, errorBody{Error: service.ErrUnavailable.Code, Description: service.ErrUnavailable.Description}
        }
        if he.Code < http.StatusInternalServerError {
            return he.Code, errorBody{Error: http.StatusText(he.Code)}
        }
    }
    return http.StatusInternalServerError, errorBody{Error: "server_error", Description: "an unexpected error occurred"}
}
