package router // package router defines how HTTP routes are registered for the API

import (
    "log/slog"
    "time"

    "github.com/labstack/echo/v4"
    echomw "github.com/labstack/echo/v4/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/iliyamo/keygate/internal/config"
    "github.com/iliyamo/keygate/internal/handler"
    "github.com/iliyamo/keygate/internal/logging"
    "github.com/iliyamo/keygate/internal/metrics"
    "github.com/iliyamo/keygate/internal/middleware"
    "github.com/iliyamo/keygate/internal/service"
)

// Deps carries everything the routes need.
type Deps struct {
    Logger         *slog.Logger
    RateLimit      config.RateLimitConfig
    Limiter        *middleware.RateLimiter
    RequestTimeout time.Duration
    DB             handler.Pinger // nil with the memory driver

    OAuth    *service.OAuthService
    Sessions *service.SessionManager
    Licenses *service.LifecycleService
}

// New builds the echo instance with the shared middleware chain and every
// route registered.
func New(d Deps) *echo.Echo {
    e := echo.New()
    e.HideBanner = true
    e.HidePort = true
    e.Validator = handler.NewValidator()
    e.HTTPErrorHandler = handler.ErrorHandler(d.Logger)

    e.Use(echomw.Recover())
    e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
        RequestIDHandler: func(c echo.Context, id string) {
            c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), id)))
        },
    }))
    e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
        LogStatus:   true,
        LogURIPath:  true,
        LogMethod:   true,
        LogLatency:  true,
        LogRemoteIP: true,
        LogError:    true,
        HandleError: true,
        LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
            level := slog.LevelInfo
            if v.Status >= 500 {
                level = slog.LevelError
            }
            attrs := []slog.Attr{
                slog.String("method", v.Method),
                slog.String("path", v.URIPath),
                slog.Int("status", v.Status),
                slog.Duration("latency", v.Latency),
                slog.String("ip", v.RemoteIP),
            }
            if v.Error != nil {
                attrs = append(attrs, slog.String("err", v.Error.Error()))
            }
            d.Logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
            return nil
        },
    }))
    e.Use(echomw.BodyLimit("64K"))
    if d.RequestTimeout > 0 {
        e.Use(echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{Timeout: d.RequestTimeout}))
    }

    RegisterRoutes(e, d.DB)
    RegisterOAuth(e, handler.NewOAuthHandler(d.OAuth), d.Limiter, d.RateLimit)
    RegisterSessions(e, handler.NewSessionHandler(d.Sessions), d.Sessions, d.Limiter, d.RateLimit)
    RegisterLicenses(e, handler.NewLicenseHandler(d.Licenses, d.Sessions), d.OAuth, d.Limiter, d.RateLimit)
    return e
}

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
    e.GET("/healthz", handler.Health(db))
    e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
}

// RegisterOAuth registers the authorization-code + PKCE endpoints.
func RegisterOAuth(e *echo.Echo, h *handler.OAuthHandler, rl *middleware.RateLimiter, cfg config.RateLimitConfig) {
    e.GET("/authorize", h.Authorize, rl.Limit(cfg.Authorize))
    e.POST("/token", h.Token, rl.Limit(cfg.Token))
    e.POST("/revoke", h.Revoke, rl.Limit(cfg.Token))
}

// RegisterSessions registers the license session protocol.  Everything but
// login requires a session bearer token.
func RegisterSessions(e *echo.Echo, h *handler.SessionHandler, auth middleware.SessionAuthenticator, rl *middleware.RateLimiter, cfg config.RateLimitConfig) {
    e.POST("/sessions", h.Login, rl.Limit(cfg.Login))

    bearer := middleware.SessionAuth(auth)
    e.PUT("/session/:id", h.Refresh, rl.Limit(cfg.Default), bearer)

    p := e.Group("/protected", rl.Limit(cfg.Default), bearer)
    p.POST("/session/hwid", h.Hwid)
    p.POST("/resume", h.Resume)
    p.DELETE("/session", h.Logout)
}

// RegisterLicenses registers end-user credential endpoints under /licenses
// and the scope-guarded management API under /v1.
func RegisterLicenses(e *echo.Echo, h *handler.LicenseHandler, tokens middleware.AccessTokenIntrospector, rl *middleware.RateLimiter, cfg config.RateLimitConfig) {
    u := e.Group("/licenses", rl.Limit(cfg.Login))
    u.POST("/activate", h.Activate)
    u.POST("/password", h.ChangePassword)
    u.POST("/email", h.ChangeEmail)
    u.POST("/persistence-token", h.RotatePersistenceToken)

    v1 := e.Group("/v1", rl.Limit(cfg.Default), middleware.ClientAuth(tokens))
    read := middleware.RequireScope(service.ScopeLicensesRead)
    write := middleware.RequireScope(service.ScopeLicensesWrite)

    v1.POST("/licenses", h.Create, write)
    v1.GET("/licenses/:value", h.Get, read)
    v1.GET("/licenses/:value/sessions", h.ListSessions, read)
    v1.POST("/licenses/:value/pause", h.Pause, write)
    v1.POST("/licenses/:value/resume", h.Resume, write)
    v1.DELETE("/licenses/:value/hwid", h.ResetHwid, write)
    v1.POST("/licenses/:value/link-code", h.CreateLinkCode, write)
    v1.DELETE("/licenses/:value", h.Delete, write)
    v1.POST("/link", h.RedeemLinkCode, write)
    v1.DELETE("/sessions/:id", h.RevokeSession, middleware.RequireScope(service.ScopeSessionsRevoke))
}
