package handler

import (
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/model"
    "github.com/iliyamo/keygate/internal/service"
)

// LicenseHandler serves end-user credential changes and the license
// management API used by OAuth clients.
type LicenseHandler struct {
    Licenses *service.LifecycleService
    Sessions *service.SessionManager
}

func NewLicenseHandler(l *service.LifecycleService, s *service.SessionManager) *LicenseHandler {
    return &LicenseHandler{Licenses: l, Sessions: s}
}

// ----- DTOs -----

type activateReq struct {
    License    string `form:"license" json:"license" validate:"required,max=64"`
    Username   string `form:"username" json:"username" validate:"required,min=3,max=64"`
    Password   string `form:"password" json:"password" validate:"required,min=8,max=72"`
    Email      string `form:"email" json:"email" validate:"omitempty,email,max=254"`
    ExternalID string `form:"external_id" json:"external_id" validate:"max=128"`
}

type changePasswordReq struct {
    Username    string `form:"username" json:"username" validate:"required"`
    Password    string `form:"password" json:"password" validate:"required"`
    NewPassword string `form:"new_password" json:"new_password" validate:"required,min=8,max=72"`
}

type changeEmailReq struct {
    Username string `form:"username" json:"username" validate:"required"`
    Password string `form:"password" json:"password" validate:"required"`
    Email    string `form:"email" json:"email" validate:"required,email,max=254"`
}

type credentialsReq struct {
    Username string `form:"username" json:"username" validate:"required"`
    Password string `form:"password" json:"password" validate:"required"`
}

type createReq struct {
    Count       int    `json:"count" form:"count" validate:"required,min=1,max=100"`
    Duration    string `json:"duration" form:"duration" validate:"required"`
    MaxSessions int    `json:"max_sessions" form:"max_sessions" validate:"min=0"`
}

type linkReq struct {
    Code       string `json:"code" form:"code" validate:"required"`
    ExternalID string `json:"external_id" form:"external_id" validate:"required,max=128"`
}

type licenseResp struct {
    Value           string     `json:"value"`
    Username        string     `json:"username,omitempty"`
    Email           string     `json:"email,omitempty"`
    MaxSessions     int        `json:"max_sessions"`
    Activated       bool       `json:"activated"`
    Paused          bool       `json:"paused"`
    CreatedAt       time.Time  `json:"created_at"`
    ExpiresAt       *time.Time `json:"expires_at,omitempty"`
    DurationSeconds int64      `json:"duration_seconds,omitempty"`
    ExternalID      *string    `json:"external_id,omitempty"`
}

func toLicenseResp(l model.License) licenseResp {
    out := licenseResp{
        Value:       l.Value,
        Username:    l.Username,
        Email:       l.Email,
        MaxSessions: l.MaxSessions,
        Activated:   l.Activated,
        Paused:      l.Paused,
        CreatedAt:   l.CreatedAt,
        ExternalID:  l.ExternalID,
    }
    if l.Activated {
        exp := time.Unix(l.ExpiresAt, 0).UTC()
        out.ExpiresAt = &exp
    } else {
        out.DurationSeconds = l.ExpiresAt
    }
    return out
}

// ----- end-user endpoints -----

// Activate attaches owner credentials to an unactivated license.
func (h *LicenseHandler) Activate(c echo.Context) error {
    var req activateReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    var ext *string
    if req.ExternalID != "" {
        ext = &req.ExternalID
    }
    l, err := h.Licenses.Activate(c.Request().Context(), service.ActivateRequest{
        Value:      req.License,
        Username:   req.Username,
        Password:   req.Password,
        Email:      req.Email,
        ExternalID: ext,
    })
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, toLicenseResp(l))
}

func (h *LicenseHandler) ChangePassword(c echo.Context) error {
    var req changePasswordReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    if err := h.Licenses.ChangePassword(c.Request().Context(), req.Username, req.Password, req.NewPassword); err != nil {
        return err
    }
    return c.NoContent(http.StatusNoContent)
}

func (h *LicenseHandler) ChangeEmail(c echo.Context) error {
    var req changeEmailReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    if err := h.Licenses.ChangeEmail(c.Request().Context(), req.Username, req.Password, req.Email); err != nil {
        return err
    }
    return c.NoContent(http.StatusNoContent)
}

// RotatePersistenceToken returns a new raw "remember me" token.  It is
// shown once; only its hash is kept.
func (h *LicenseHandler) RotatePersistenceToken(c echo.Context) error {
    var req credentialsReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    raw, err := h.Licenses.RotatePersistenceToken(c.Request().Context(), req.Username, req.Password)
    if err != nil {
        return err
    }
    c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
    return c.JSON(http.StatusOK, map[string]string{"persistence_token": raw})
}

// ----- management endpoints (bearer access token) -----

// Create mints unactivated licenses.
func (h *LicenseHandler) Create(c echo.Context) error {
    var req createReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    d, err := time.ParseDuration(req.Duration)
    if err != nil {
        return service.ErrInvalidRequest.With("duration must be a Go duration such as 720h")
    }
    ls, err := h.Licenses.Create(c.Request().Context(), service.CreateLicenseRequest{
        Count:       req.Count,
        Duration:    d,
        MaxSessions: req.MaxSessions,
    })
    if err != nil {
        return err
    }
    out := make([]licenseResp, 0, len(ls))
    for _, l := range ls {
        out = append(out, toLicenseResp(l))
    }
    return c.JSON(http.StatusCreated, map[string]any{"licenses": out})
}

func (h *LicenseHandler) Get(c echo.Context) error {
    l, err := h.Licenses.Get(c.Request().Context(), c.Param("value"))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, toLicenseResp(l))
}

func (h *LicenseHandler) Pause(c echo.Context) error {
    l, err := h.Licenses.Pause(c.Request().Context(), c.Param("value"))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, toLicenseResp(l))
}

func (h *LicenseHandler) Resume(c echo.Context) error {
    l, err := h.Licenses.Resume(c.Request().Context(), c.Param("value"))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, toLicenseResp(l))
}

func (h *LicenseHandler) ResetHwid(c echo.Context) error {
    if err := h.Licenses.ResetHwid(c.Request().Context(), c.Param("value")); err != nil {
        return err
    }
    return c.NoContent(http.StatusNoContent)
}

func (h *LicenseHandler) Delete(c echo.Context) error {
    if err := h.Licenses.Delete(c.Request().Context(), c.Param("value")); err != nil {
        return err
    }
    return c.NoContent(http.StatusNoContent)
}

// CreateLinkCode returns a short code the license owner enters elsewhere.
func (h *LicenseHandler) CreateLinkCode(c echo.Context) error {
    entry, code, err := h.Licenses.CreateLinkCode(c.Request().Context(), c.Param("value"))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusCreated, map[string]any{"code": code, "expires_at": entry.ExpiresAt})
}

// RedeemLinkCode links an external account using a code.
func (h *LicenseHandler) RedeemLinkCode(c echo.Context) error {
    var req linkReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    l, err := h.Licenses.RedeemLinkCode(c.Request().Context(), req.Code, req.ExternalID)
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, toLicenseResp(l))
}

// ListSessions lists the live sessions of a license.
func (h *LicenseHandler) ListSessions(c echo.Context) error {
    ss, err := h.Sessions.ActiveSessions(c.Request().Context(), c.Param("value"))
    if err != nil {
        return err
    }
    out := make([]sessionResp, 0, len(ss))
    for _, s := range ss {
        out = append(out, toSessionResp(s))
    }
    return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

// RevokeSession ends any session by id.
func (h *LicenseHandler) RevokeSession(c echo.Context) error {
    if err := h.Sessions.Revoke(c.Request().Context(), c.Param("id")); err != nil {
        return err
    }
    return c.NoContent(http.StatusNoContent)
}
