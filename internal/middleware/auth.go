package middleware // middleware provides shared request processing for handlers

import (
    "context"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/model"
    "github.com/iliyamo/keygate/internal/service"
)

// SessionAuthenticator verifies license session tokens.
type SessionAuthenticator interface {
    Authenticate(raw string) (service.SessionClaims, error)
}

// AccessTokenIntrospector verifies client access tokens.
type AccessTokenIntrospector interface {
    Introspect(ctx context.Context, raw string) (model.AccessToken, error)
}

// SessionAuth validates a Bearer session token and stores its claims in
// the context under sessionKey.  Failures are returned as service errors so
// the shared error handler renders them.
func SessionAuth(auth SessionAuthenticator) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw, ok := bearer(c)
            if !ok {
                return service.ErrInvalidToken.With("missing bearer token")
            }
            claims, err := auth.Authenticate(raw)
            if err != nil {
                return err
            }
            c.Set(sessionKey, claims)
            return next(c)
        }
    }
}

// ClientAuth validates a Bearer access token issued by /token.  Each
// successful call extends the token's sliding expiry.
func ClientAuth(in AccessTokenIntrospector) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw, ok := bearer(c)
            if !ok {
                return service.ErrInvalidToken.With("missing bearer token")
            }
            tok, err := in.Introspect(c.Request().Context(), raw)
            if err != nil {
                return err
            }
            c.Set(clientKey, tok)
            return next(c)
        }
    }
}

func bearer(c echo.Context) (string, bool) {
    auth := c.Request().Header.Get(echo.HeaderAuthorization)
    if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
        return "", false
    }
    raw := strings.TrimSpace(auth[7:])
    return raw, raw != ""
}
