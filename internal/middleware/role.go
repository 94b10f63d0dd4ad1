package middleware // middleware provides shared request processing for handlers

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/service"
)

// RequireScope rejects requests whose access token does not grant scope.
// It must run after ClientAuth.
func RequireScope(scope string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            tok, ok := Client(c)
            if !ok {
                return service.ErrInvalidToken
            }
            if err := service.RequireScope(tok, scope); err != nil {
                return err
            }
            return next(c)
        }
    }
}
