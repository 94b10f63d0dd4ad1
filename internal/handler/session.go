package handler

import (
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/fingerprint"
    "github.com/iliyamo/keygate/internal/middleware"
    "github.com/iliyamo/keygate/internal/model"
    "github.com/iliyamo/keygate/internal/service"
)

// SessionHandler serves the license session protocol used by installs.
type SessionHandler struct {
    Sessions *service.SessionManager
}

func NewSessionHandler(s *service.SessionManager) *SessionHandler {
    return &SessionHandler{Sessions: s}
}

// ----- DTOs -----

// HwidFields accepts a fingerprint either as one "cpu:bios:ram:disk:display"
// field or as five separate fields.  Format checks happen in the service so
// they surface as invalid_hwid_format.
type HwidFields struct {
    Hwid        string `form:"hwid" json:"hwid"`
    HwidCPU     string `form:"hwid_cpu" json:"hwid_cpu"`
    HwidBIOS    string `form:"hwid_bios" json:"hwid_bios"`
    HwidRAM     string `form:"hwid_ram" json:"hwid_ram"`
    HwidDisk    string `form:"hwid_disk" json:"hwid_disk"`
    HwidDisplay string `form:"hwid_display" json:"hwid_display"`
}

func (f HwidFields) fingerprint() (*fingerprint.Fingerprint, error) {
    if f.Hwid != "" {
        fp, err := fingerprint.Parse(f.Hwid)
        if err != nil {
            return nil, service.ErrInvalidHwidFormat
        }
        return &fp, nil
    }
    if f.HwidCPU == "" && f.HwidBIOS == "" && f.HwidRAM == "" && f.HwidDisk == "" && f.HwidDisplay == "" {
        return nil, nil
    }
    return &fingerprint.Fingerprint{CPU: f.HwidCPU, BIOS: f.HwidBIOS, RAM: f.HwidRAM, Disk: f.HwidDisk, Display: f.HwidDisplay}, nil
}

type loginReq struct {
    Username         string `form:"username" json:"username" validate:"required,max=64"`
    Password         string `form:"password" json:"password" validate:"required_without=PersistenceToken,max=256"`
    PersistenceToken string `form:"persistence_token" json:"persistence_token" validate:"max=128"`
    HwidFields
}

type grantResp struct {
    SessionID string    `json:"session_id"`
    Token     []string  `json:"token"`
    ExpiresAt time.Time `json:"expires_at"`
}

type resumeResp struct {
    SessionID string     `json:"session_id"`
    Refreshed bool       `json:"refreshed"`
    Token     []string   `json:"token,omitempty"`
    ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type sessionResp struct {
    ID          string     `json:"id"`
    HwidBound   bool       `json:"hwid_bound"`
    IP          string     `json:"ip,omitempty"`
    Active      bool       `json:"active"`
    CreatedAt   time.Time  `json:"created_at"`
    RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

func toSessionResp(s model.LicenseSession) sessionResp {
    return sessionResp{
        ID:          s.ID,
        HwidBound:   s.HwidID != nil,
        IP:          s.IP,
        Active:      s.Active,
        CreatedAt:   s.CreatedAt,
        RefreshedAt: s.RefreshedAt,
    }
}

func toGrantResp(g service.SessionGrant) grantResp {
    return grantResp{SessionID: g.Session.ID, Token: g.Chunks, ExpiresAt: g.ExpiresAt}
}

// Login opens a session and returns the encrypted session token chunks.
func (h *SessionHandler) Login(c echo.Context) error {
    var req loginReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    fp, err := req.fingerprint()
    if err != nil {
        return err
    }
    g, err := h.Sessions.Login(c.Request().Context(), service.LoginRequest{
        Username:         req.Username,
        Password:         req.Password,
        PersistenceToken: req.PersistenceToken,
        HWID:             fp,
        IP:               c.RealIP(),
    })
    if err != nil {
        return err
    }
    c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
    return c.JSON(http.StatusCreated, toGrantResp(g))
}

// Refresh rotates the session named in the path.  The bearer token must
// belong to that session.
func (h *SessionHandler) Refresh(c echo.Context) error {
    claims, ok := middleware.Session(c)
    if !ok || claims.SessionID != c.Param("id") {
        return service.ErrInvalidToken
    }
    g, err := h.Sessions.Refresh(c.Request().Context(), claims)
    if err != nil {
        return err
    }
    c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
    return c.JSON(http.StatusOK, toGrantResp(g))
}

// Hwid binds or verifies the caller's device.
func (h *SessionHandler) Hwid(c echo.Context) error {
    claims, ok := middleware.Session(c)
    if !ok {
        return service.ErrInvalidToken
    }
    var form HwidFields
    if err := bindValid(c, &form); err != nil {
        return err
    }
    fp, err := form.fingerprint()
    if err != nil {
        return err
    }
    if fp == nil {
        return service.ErrInvalidRequest.With("hwid is required")
    }
    s, err := h.Sessions.SetupOrVerifyHwid(c.Request().Context(), claims, *fp)
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, toSessionResp(s))
}

// Resume revalidates the session; it only issues a token when the session
// has been idle past the resume window.
func (h *SessionHandler) Resume(c echo.Context) error {
    claims, ok := middleware.Session(c)
    if !ok {
        return service.ErrInvalidToken
    }
    res, err := h.Sessions.Resume(c.Request().Context(), claims)
    if err != nil {
        return err
    }
    out := resumeResp{SessionID: res.Session.ID, Refreshed: res.Refreshed}
    if res.Grant != nil {
        out.Token = res.Grant.Chunks
        out.ExpiresAt = &res.Grant.ExpiresAt
    }
    return c.JSON(http.StatusOK, out)
}

// Logout ends the caller's session.
func (h *SessionHandler) Logout(c echo.Context) error {
    claims, ok := middleware.Session(c)
    if !ok {
        return service.ErrInvalidToken
    }
    if err := h.Sessions.Logout(c.Request().Context(), claims); err != nil {
        return err
    }
    return c.NoContent(http.StatusNoContent)
}
