package handler

import (
    "errors"
    "net/http"
    "net/url"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/keygate/internal/service"
)

// OAuthHandler serves the authorization-code + PKCE endpoints.
type OAuthHandler struct {
    Svc *service.OAuthService
}

func NewOAuthHandler(svc *service.OAuthService) *OAuthHandler {
    return &OAuthHandler{Svc: svc}
}

// ----- DTOs -----

type authorizeReq struct {
    ResponseType        string `query:"response_type" validate:"required"`
    ClientID            string `query:"client_id" validate:"required"`
    CodeChallenge       string `query:"code_challenge"`
    CodeChallengeMethod string `query:"code_challenge_method"`
    Scope               string `query:"scope"`
    State               string `query:"state" validate:"max=512"`
}

type authorizeResp struct {
    Code      string `json:"code"`
    ExpiresIn int64  `json:"expires_in"`
    Scope     string `json:"scope"`
    TokenType string `json:"token_type"`
    State     string `json:"state,omitempty"`
}

type tokenReq struct {
    GrantType    string `form:"grant_type" validate:"required"`
    ClientID     string `form:"client_id"`
    ClientSecret string `form:"client_secret"`
    Code         string `form:"code" validate:"required"`
    CodeVerifier string `form:"code_verifier"`
}

type tokenResp struct {
    AccessToken string `json:"access_token"`
    IDToken     string `json:"id_token,omitempty"`
    TokenType   string `json:"token_type"`
    Scope       string `json:"scope"`
    ExpiresIn   int64  `json:"expires_in"`
}

// Authorize issues an authorization code.  Clients with a registered
// redirect URI are redirected with code and state in the query; others get
// the code as JSON.
func (h *OAuthHandler) Authorize(c echo.Context) error {
    var req authorizeReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    res, err := h.Svc.Authorize(c.Request().Context(), service.AuthorizeRequest{
        ClientID:            req.ClientID,
        ResponseType:        req.ResponseType,
        CodeChallenge:       req.CodeChallenge,
        CodeChallengeMethod: req.CodeChallengeMethod,
        Scope:               req.Scope,
        State:               req.State,
    })
    if err != nil {
        return err
    }

    scope := strings.Join(res.Scopes, " ")
    if res.RedirectURI != "" {
        u, err := url.Parse(res.RedirectURI)
        if err != nil {
            return service.ErrInvalidClient.With("registered redirect_uri is malformed")
        }
        q := u.Query()
        q.Set("code", res.Code)
        q.Set("scope", scope)
        if res.State != "" {
            q.Set("state", res.State)
        }
        u.RawQuery = q.Encode()
        return c.Redirect(http.StatusFound, u.String())
    }
    return c.JSON(http.StatusOK, authorizeResp{
        Code:      res.Code,
        ExpiresIn: int64(res.ExpiresIn.Seconds()),
        Scope:     scope,
        TokenType: "Bearer",
        State:     res.State,
    })
}

// Token exchanges a code for tokens.  Client credentials come from the form
// or from HTTP Basic auth.
func (h *OAuthHandler) Token(c echo.Context) error {
    var req tokenReq
    if err := bindValid(c, &req); err != nil {
        return err
    }
    if id, secret, ok := c.Request().BasicAuth(); ok && req.ClientID == "" {
        req.ClientID, req.ClientSecret = id, secret
    }
    out, err := h.Svc.Exchange(c.Request().Context(), service.ExchangeRequest{
        ClientID:     req.ClientID,
        ClientSecret: req.ClientSecret,
        Code:         req.Code,
        CodeVerifier: req.CodeVerifier,
        GrantType:    req.GrantType,
    })
    if err != nil {
        return err
    }
    c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
    return c.JSON(http.StatusOK, tokenResp{
        AccessToken: out.AccessToken,
        IDToken:     out.IDToken,
        TokenType:   out.TokenType,
        Scope:       strings.Join(out.Scopes, " "),
        ExpiresIn:   int64(out.ExpiresIn.Seconds()),
    })
}

// Revoke drops an access token.  Unknown or already invalid tokens are not
// an error for the caller.
func (h *OAuthHandler) Revoke(c echo.Context) error {
    tok := c.FormValue("token")
    if tok == "" {
        return service.ErrInvalidRequest.With("token is required")
    }
    err := h.Svc.RevokeAccessToken(c.Request().Context(), tok)
    if err != nil && !errors.Is(err, service.ErrInvalidToken) {
        return err
    }
    return c.NoContent(http.StatusOK)
}
