package router

import (
    "crypto/rand"
    "crypto/rsa"
    "encoding/json"
    "fmt"
    "io"
    "log/slog"
    "net/http"
    "net/http/httptest"
    "net/url"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/keygate/internal/config"
    "github.com/iliyamo/keygate/internal/credstore"
    "github.com/iliyamo/keygate/internal/fingerprint"
    "github.com/iliyamo/keygate/internal/middleware"
    "github.com/iliyamo/keygate/internal/model"
    "github.com/iliyamo/keygate/internal/repository"
    "github.com/iliyamo/keygate/internal/service"
    "github.com/iliyamo/keygate/internal/token"
    "github.com/iliyamo/keygate/internal/utils"
)

const (
    clientID     = "dashboard"
    clientSecret = "dashboard-secret"
    verifier     = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
    password     = "hunter2hunter2"
)

var (
    keyOnce sync.Once
    key     *rsa.PrivateKey
)

type server struct {
    e   *echo.Echo
    key *rsa.PrivateKey
}

func newServer(t *testing.T, rl config.RateLimitConfig) *server {
    t.Helper()
    keyOnce.Do(func() {
        k, err := rsa.GenerateKey(rand.Reader, token.KeyBits)
        if err != nil {
            panic(err)
        }
        key = k
    })
    logger := slog.New(slog.NewTextHandler(io.Discard, nil))
    issuer, err := token.NewIssuer(token.Config{Issuer: "keygate-test", Audience: "keygate"}, key, &key.PublicKey)
    require.NoError(t, err)

    mem := repository.NewMemory()
    hash, err := utils.HashPassword(clientSecret, 4)
    require.NoError(t, err)
    mem.Clients.Put(model.Client{
        ID:         clientID,
        SecretHash: hash,
        Scopes:     []string{service.ScopeOpenID, service.ScopeLicensesRead, service.ScopeLicensesWrite, service.ScopeSessionsRevoke},
    })

    sink := service.NopSink{}
    oauth := service.NewOAuthService(service.OAuthConfig{}, mem.Clients,
        credstore.New[model.AuthorizationCode](), credstore.New[model.AccessToken](), issuer, sink, logger)
    sessions := service.NewSessionManager(service.SessionConfig{}, mem.Licenses, mem.Hwids, mem.Sessions, issuer, sink, logger)
    licenses := service.NewLifecycleService(service.LifecycleConfig{BcryptCost: 4}, mem.Licenses, mem.Hwids,
        credstore.New[model.DeviceLinkCode](), sink, logger)

    e := New(Deps{
        Logger:    logger,
        RateLimit: rl,
        Limiter:   middleware.NewRateLimiter(rl, nil, logger),
        OAuth:     oauth,
        Sessions:  sessions,
        Licenses:  licenses,
    })
    return &server{e: e, key: key}
}

func (s *server) do(method, target string, form url.Values, bearer string) *httptest.ResponseRecorder {
    var body io.Reader
    if form != nil {
        body = strings.NewReader(form.Encode())
    }
    req := httptest.NewRequest(method, target, body)
    if form != nil {
        req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
    }
    if bearer != "" {
        req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
    }
    rec := httptest.NewRecorder()
    s.e.ServeHTTP(rec, req)
    return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
    t.Helper()
    var out map[string]any
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
    return out
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
    t.Helper()
    assert.Equal(t, status, rec.Code, rec.Body.String())
    body := decode(t, rec)
    assert.Equal(t, code, body["error"])
    assert.NotEmpty(t, body["error_description"])
}

func authorizeQuery(scope string) string {
    q := url.Values{
        "response_type":         {"code"},
        "client_id":             {clientID},
        "code_challenge":        {utils.S256Challenge(verifier)},
        "code_challenge_method": {"S256"},
        "scope":                 {scope},
        "state":                 {"xyz"},
    }
    return "/authorize?" + q.Encode()
}

func (s *server) code(t *testing.T, scope string) string {
    t.Helper()
    rec := s.do(http.MethodGet, authorizeQuery(scope), nil, "")
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    body := decode(t, rec)
    assert.Equal(t, "xyz", body["state"])
    return body["code"].(string)
}

func exchangeForm(code string) url.Values {
    return url.Values{
        "grant_type":    {"authorization_code"},
        "client_id":     {clientID},
        "client_secret": {clientSecret},
        "code":          {code},
        "code_verifier": {verifier},
    }
}

func (s *server) accessToken(t *testing.T, scope string) string {
    t.Helper()
    rec := s.do(http.MethodPost, "/token", exchangeForm(s.code(t, scope)), "")
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    return decode(t, rec)["access_token"].(string)
}

// license mints and activates one license through the HTTP surface.
func (s *server) license(t *testing.T, admin, username string, maxSessions int) string {
    t.Helper()
    rec := s.do(http.MethodPost, "/v1/licenses", url.Values{
        "count":        {"1"},
        "duration":     {"720h"},
        "max_sessions": {fmt.Sprint(maxSessions)},
    }, admin)
    require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
    value := decode(t, rec)["licenses"].([]any)[0].(map[string]any)["value"].(string)

    rec = s.do(http.MethodPost, "/licenses/activate", url.Values{
        "license":  {value},
        "username": {username},
        "password": {password},
        "email":    {username + "@example.com"},
    }, "")
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    return value
}

func hwid(seed byte) string {
    b := make([]byte, fingerprint.FieldLength)
    parts := make([]string, 5)
    for p := range parts {
        for i := range b {
            b[i] = "0123456789abcdef"[(int(seed)*5+p+i)%16]
        }
        parts[p] = string(b)
    }
    return strings.Join(parts, ":")
}

// login returns the session id and the decrypted bearer token.
func (s *server) login(t *testing.T, username string, seed byte) (string, string) {
    t.Helper()
    rec := s.do(http.MethodPost, "/sessions", url.Values{
        "username": {username},
        "password": {password},
        "hwid":     {hwid(seed)},
    }, "")
    require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
    assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
    return s.grant(t, rec)
}

func (s *server) grant(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
    t.Helper()
    body := decode(t, rec)
    var chunks []string
    for _, c := range body["token"].([]any) {
        chunks = append(chunks, c.(string))
    }
    raw, err := token.DecryptTransport(s.key, chunks)
    require.NoError(t, err)
    return body["session_id"].(string), raw
}

func disabled() config.RateLimitConfig { return config.RateLimitConfig{} }

func TestHealthz(t *testing.T) {
    s := newServer(t, disabled())
    rec := s.do(http.MethodGet, "/healthz", nil, "")
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "ok", rec.Body.String())

    rec = s.do(http.MethodGet, "/metrics", nil, "")
    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthorizationCodeFlow(t *testing.T) {
    s := newServer(t, disabled())
    code := s.code(t, "openid licenses:read")

    rec := s.do(http.MethodPost, "/token", exchangeForm(code), "")
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
    body := decode(t, rec)
    assert.Equal(t, "Bearer", body["token_type"])
    assert.Equal(t, "openid licenses:read", body["scope"])
    assert.NotEmpty(t, body["access_token"])
    assert.NotEmpty(t, body["id_token"])

    t.Run("code is single use", func(t *testing.T) {
        rec := s.do(http.MethodPost, "/token", exchangeForm(code), "")
        assertError(t, rec, http.StatusBadRequest, "invalid_grant")
    })

    t.Run("basic auth", func(t *testing.T) {
        form := exchangeForm(s.code(t, "licenses:read"))
        form.Del("client_id")
        form.Del("client_secret")
        req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
        req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
        req.SetBasicAuth(clientID, clientSecret)
        rec := httptest.NewRecorder()
        s.e.ServeHTTP(rec, req)
        assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    })
}

func TestAuthorizeRejects(t *testing.T) {
    s := newServer(t, disabled())

    rec := s.do(http.MethodGet, strings.Replace(authorizeQuery("licenses:read"), "response_type=code", "response_type=token", 1), nil, "")
    assertError(t, rec, http.StatusBadRequest, "invalid_request")

    rec = s.do(http.MethodGet, strings.Replace(authorizeQuery("licenses:read"), "client_id="+clientID, "client_id=nobody", 1), nil, "")
    assertError(t, rec, http.StatusUnauthorized, "invalid_client")
    assert.NotEmpty(t, rec.Header().Get(echo.HeaderWWWAuthenticate))

    rec = s.do(http.MethodGet, authorizeQuery("admin:everything"), nil, "")
    assertError(t, rec, http.StatusBadRequest, "invalid_scope")

    rec = s.do(http.MethodPost, "/token", url.Values{"grant_type": {"password"}, "code": {"x"}}, "")
    assertError(t, rec, http.StatusBadRequest, "unsupported_grant_type")
}

func TestManagementRequiresScope(t *testing.T) {
    s := newServer(t, disabled())

    rec := s.do(http.MethodPost, "/v1/licenses", url.Values{"count": {"1"}, "duration": {"1h"}}, "")
    assertError(t, rec, http.StatusUnauthorized, "invalid_token")

    reader := s.accessToken(t, "licenses:read")
    rec = s.do(http.MethodPost, "/v1/licenses", url.Values{"count": {"1"}, "duration": {"1h"}}, reader)
    assertError(t, rec, http.StatusForbidden, "insufficient_scope")

    writer := s.accessToken(t, "licenses:read licenses:write")
    rec = s.do(http.MethodPost, "/v1/licenses", url.Values{"count": {"101"}, "duration": {"1h"}}, writer)
    assertError(t, rec, http.StatusBadRequest, "invalid_request")
    rec = s.do(http.MethodPost, "/v1/licenses", url.Values{"count": {"1"}, "duration": {"forever"}}, writer)
    assertError(t, rec, http.StatusBadRequest, "invalid_request")

    value := s.license(t, writer, "alice", 0)
    rec = s.do(http.MethodGet, "/v1/licenses/"+value, nil, reader)
    require.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "alice", decode(t, rec)["username"])

    rec = s.do(http.MethodGet, "/v1/licenses/missing", nil, reader)
    assertError(t, rec, http.StatusNotFound, "license_not_found")

    // revoked access tokens stop working
    rec = s.do(http.MethodPost, "/revoke", url.Values{"token": {reader}}, "")
    assert.Equal(t, http.StatusOK, rec.Code)
    rec = s.do(http.MethodGet, "/v1/licenses/"+value, nil, reader)
    assertError(t, rec, http.StatusUnauthorized, "invalid_token")
}

func TestSessionLifecycle(t *testing.T) {
    s := newServer(t, disabled())
    admin := s.accessToken(t, "licenses:read licenses:write sessions:revoke")
    value := s.license(t, admin, "bob", 1)

    id, bearer := s.login(t, "bob", 1)

    // cap of one
    rec := s.do(http.MethodPost, "/sessions", url.Values{"username": {"bob"}, "password": {password}, "hwid": {hwid(1)}}, "")
    assertError(t, rec, http.StatusForbidden, "max_sessions_reached")

    rec = s.do(http.MethodPost, "/protected/resume", nil, bearer)
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    assert.Equal(t, false, decode(t, rec)["refreshed"])

    rec = s.do(http.MethodPut, "/session/other-id", nil, bearer)
    assertError(t, rec, http.StatusUnauthorized, "invalid_token")

    rec = s.do(http.MethodPut, "/session/"+id, nil, bearer)
    require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
    sameID, rotated := s.grant(t, rec)
    assert.Equal(t, id, sameID)

    rec = s.do(http.MethodPost, "/protected/resume", nil, bearer)
    assertError(t, rec, http.StatusUnauthorized, "invalid_token")

    rec = s.do(http.MethodGet, "/v1/licenses/"+value+"/sessions", nil, admin)
    require.Equal(t, http.StatusOK, rec.Code)
    assert.Len(t, decode(t, rec)["sessions"], 1)

    rec = s.do(http.MethodPost, "/v1/licenses/"+value+"/pause", nil, admin)
    require.Equal(t, http.StatusOK, rec.Code)
    rec = s.do(http.MethodPost, "/protected/resume", nil, rotated)
    assertError(t, rec, http.StatusForbidden, "license_paused")
    rec = s.do(http.MethodPost, "/v1/licenses/"+value+"/resume", nil, admin)
    require.Equal(t, http.StatusOK, rec.Code)

    rec = s.do(http.MethodDelete, "/protected/session", nil, rotated)
    assert.Equal(t, http.StatusNoContent, rec.Code)
    rec = s.do(http.MethodPost, "/protected/resume", nil, rotated)
    assertError(t, rec, http.StatusForbidden, "session_inactive")

    // the slot is free again
    _, _ = s.login(t, "bob", 1)
}

func TestLoginRejects(t *testing.T) {
    s := newServer(t, disabled())
    admin := s.accessToken(t, "licenses:write")
    s.license(t, admin, "carol", 0)
    s.login(t, "carol", 1)

    cases := []struct {
        name   string
        form   url.Values
        status int
        code   string
    }{
        {"missing password", url.Values{"username": {"carol"}}, http.StatusBadRequest, "invalid_request"},
        {"wrong password", url.Values{"username": {"carol"}, "password": {"nope"}}, http.StatusUnauthorized, "invalid_credentials"},
        {"unknown user", url.Values{"username": {"mallory"}, "password": {password}}, http.StatusUnauthorized, "invalid_credentials"},
        {"malformed hwid", url.Values{"username": {"carol"}, "password": {password}, "hwid": {"abc"}}, http.StatusBadRequest, "invalid_hwid_format"},
        {"other device", url.Values{"username": {"carol"}, "password": {password}, "hwid": {hwid(9)}}, http.StatusForbidden, "invalid_hwid"},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            assertError(t, s.do(http.MethodPost, "/sessions", tc.form, ""), tc.status, tc.code)
        })
    }
}

func TestActivateRejectsOverlongPassword(t *testing.T) {
    s := newServer(t, disabled())
    admin := s.accessToken(t, "licenses:write")
    rec := s.do(http.MethodPost, "/v1/licenses", url.Values{"count": {"1"}, "duration": {"1h"}}, admin)
    require.Equal(t, http.StatusCreated, rec.Code)
    value := decode(t, rec)["licenses"].([]any)[0].(map[string]any)["value"].(string)

    rec = s.do(http.MethodPost, "/licenses/activate", url.Values{
        "license":  {value},
        "username": {"erin"},
        "password": {strings.Repeat("p", 100)},
    }, "")
    assertError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestUnknownRoute(t *testing.T) {
    s := newServer(t, disabled())
    assertError(t, s.do(http.MethodGet, "/nope", nil, ""), http.StatusNotFound, "not_found")
}

func TestLoginRateLimited(t *testing.T) {
    s := newServer(t, config.RateLimitConfig{
        Enabled: true,
        Prefix:  "test",
        Login:   config.RateLimitRule{Limit: 2, Window: time.Minute},
    })
    form := url.Values{"username": {"dave"}, "password": {password}}
    for i := 0; i < 2; i++ {
        assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/sessions", form, "").Code)
    }
    rec := s.do(http.MethodPost, "/sessions", form, "")
    assert.Equal(t, http.StatusTooManyRequests, rec.Code)
    assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

