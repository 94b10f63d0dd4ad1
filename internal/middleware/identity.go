package middleware

// identity.go holds the context accessors shared by the auth middleware and
// the handlers behind it.

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/model"
    "github.com/iliyamo/keygate/internal/service"
)

const (
    sessionKey = "keygate.session"
    clientKey  = "keygate.client"
)

// Session returns the claims stored by SessionAuth.
func Session(c echo.Context) (service.SessionClaims, bool) {
    sc, ok := c.Get(sessionKey).(service.SessionClaims)
    return sc, ok
}

// Client returns the access token entry stored by ClientAuth.
func Client(c echo.Context) (model.AccessToken, bool) {
    tok, ok := c.Get(clientKey).(model.AccessToken)
    return tok, ok
}
