package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/keygate/internal/credstore"
	"github.com/iliyamo/keygate/internal/metrics"
	"github.com/iliyamo/keygate/internal/model"
	"github.com/iliyamo/keygate/internal/repository"
	"github.com/iliyamo/keygate/internal/token"
	"github.com/iliyamo/keygate/internal/utils"
)

// Scopes understood by the license-management API.
const (
	ScopeOpenID         = "openid"
	ScopeLicensesRead   = "licenses:read"
	ScopeLicensesWrite  = "licenses:write"
	ScopeSessionsRevoke = "sessions:revoke"
)

const (
	tokenTypeAccess = "access"
	tokenTypeID     = "id"
)

// OAuthConfig holds the lifetimes used by the authorization-code flow.
type OAuthConfig struct {
	AuthCodeTTL            time.Duration // 30s
	AccessTokenTTL         time.Duration // sliding, 30m
	AccessTokenMaxLifetime time.Duration // hard cap stamped in the JWT
	IDTokenTTL             time.Duration // 15m
	CodeLength             int
	DefaultScope           string
	Now                    func() time.Time
}

func (c *OAuthConfig) setDefaults() {
	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = 30 * time.Second
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 30 * time.Minute
	}
	if c.AccessTokenMaxLifetime < c.AccessTokenTTL {
		c.AccessTokenMaxLifetime = 24 * time.Hour
	}
	if c.IDTokenTTL <= 0 {
		c.IDTokenTTL = 15 * time.Minute
	}
	if c.CodeLength <= 0 {
		c.CodeLength = utils.DefaultCodeLength
	}
	if c.DefaultScope == "" {
		c.DefaultScope = ScopeLicensesRead
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// OAuthService implements the authorization-code + PKCE exchange for
// third-party clients.
type OAuthService struct {
	cfg     OAuthConfig
	clients ClientRepository
	codes   *credstore.Store[model.AuthorizationCode]
	tokens  *credstore.Store[model.AccessToken]
	issuer  *token.Issuer
	sink    ActivitySink
	log     *slog.Logger
}

// NewOAuthService wires the service.  codes and tokens are usually swept by
// a background goroutine started by the caller.
func NewOAuthService(cfg OAuthConfig, clients ClientRepository, codes *credstore.Store[model.AuthorizationCode],
	tokens *credstore.Store[model.AccessToken], issuer *token.Issuer, sink ActivitySink, logger *slog.Logger) *OAuthService {
	cfg.setDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthService{cfg: cfg, clients: clients, codes: codes, tokens: tokens, issuer: issuer.WithClock(cfg.Now), sink: sink, log: logger}
}

// AuthorizeRequest carries the /authorize query parameters.
type AuthorizeRequest struct {
	ClientID            string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
}

// AuthorizeResult is returned to the client; State is echoed unchanged.
type AuthorizeResult struct {
	Code        string
	ExpiresIn   time.Duration
	Scopes      []string
	State       string
	RedirectURI string
}

// Authorize validates the request and issues a single-use authorization
// code bound to the client, the granted scopes and the PKCE challenge.
func (s *OAuthService) Authorize(ctx context.Context, req AuthorizeRequest) (res AuthorizeResult, err error) {
	defer func() { metrics.Authorizations.WithLabelValues(resultLabel(err)).Inc() }()

	client, err := s.client(ctx, req.ClientID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	if len(client.Scopes) == 0 {
		return AuthorizeResult{}, ErrInvalidClient.With("client has no allowed scopes")
	}
	if req.ResponseType != "code" {
		return AuthorizeResult{}, ErrInvalidRequest.With("response_type must be code")
	}
	if strings.TrimSpace(req.CodeChallenge) == "" {
		return AuthorizeResult{}, ErrInvalidRequest.With("code_challenge is required")
	}
	method := req.CodeChallengeMethod
	if method == "" {
		method = utils.MethodS256
	}
	if method != utils.MethodS256 {
		return AuthorizeResult{}, ErrInvalidRequest.With("code_challenge_method must be S256")
	}

	scopes, err := s.grantScopes(client, req.Scope)
	if err != nil {
		return AuthorizeResult{}, err
	}

	code, err := utils.RandomString(s.cfg.CodeLength)
	if err != nil {
		return AuthorizeResult{}, unavailable(err)
	}
	s.codes.Put(code, model.AuthorizationCode{
		ClientID:            client.ID,
		Subject:             client.ID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scopes:              scopes,
		CreatedAt:           s.cfg.Now().UTC(),
	}, s.cfg.AuthCodeTTL)

	return AuthorizeResult{
		Code:        code,
		ExpiresIn:   s.cfg.AuthCodeTTL,
		Scopes:      scopes,
		State:       req.State,
		RedirectURI: client.RedirectURI,
	}, nil
}

func (s *OAuthService) grantScopes(client model.Client, requested string) ([]string, error) {
	wanted := model.ParseScopes(requested)
	if len(wanted) == 0 {
		if !client.Allows(s.cfg.DefaultScope) {
			return nil, ErrInvalidScope.With("default scope %q is not allowed for this client", s.cfg.DefaultScope)
		}
		return []string{s.cfg.DefaultScope}, nil
	}
	var granted []string
	for _, sc := range wanted {
		if client.Allows(sc) {
			granted = append(granted, sc)
		}
	}
	if len(granted) == 0 {
		return nil, ErrInvalidScope
	}
	return granted, nil
}

// ExchangeRequest carries the /token form.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	GrantType    string
}

// ExchangeResult is the token response.
type ExchangeResult struct {
	AccessToken string
	IDToken     string
	TokenType   string
	Scopes      []string
	ExpiresIn   time.Duration
}

// Exchange redeems an authorization code.  The code is consumed atomically
// before any other check on it, so a replayed or concurrently redeemed code
// fails with invalid_grant and a failed verifier burns the code.
func (s *OAuthService) Exchange(ctx context.Context, req ExchangeRequest) (res ExchangeResult, err error) {
	defer func() { metrics.CodeExchanges.WithLabelValues(resultLabel(err)).Inc() }()

	if req.GrantType != "authorization_code" {
		return ExchangeResult{}, ErrUnsupportedGrantType
	}
	if req.Code == "" {
		return ExchangeResult{}, ErrInvalidRequest.With("code is required")
	}
	client, err := s.client(ctx, req.ClientID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if !utils.VerifyPassword(client.SecretHash, req.ClientSecret) {
		return ExchangeResult{}, ErrInvalidClient
	}

	entry, ok := s.codes.Take(req.Code)
	if !ok {
		return ExchangeResult{}, ErrInvalidGrant
	}
	if entry.ClientID != client.ID || entry.Subject != client.ID {
		s.log.WarnContext(ctx, "authorization code presented by another client",
			slog.String("client_id", client.ID), slog.String("code_client_id", entry.ClientID))
		return ExchangeResult{}, ErrInvalidGrant
	}
	if !utils.VerifyPKCE(entry.CodeChallenge, req.CodeVerifier) {
		return ExchangeResult{}, ErrInvalidGrant.With("code_verifier does not match the code challenge")
	}

	out := ExchangeResult{TokenType: "Bearer", Scopes: entry.Scopes, ExpiresIn: s.cfg.AccessTokenTTL}
	scope := strings.Join(entry.Scopes, " ")

	if contains(entry.Scopes, ScopeOpenID) {
		id, err := s.issuer.Sign(token.Claims{
			Subject: client.ID,
			Private: map[string]any{"typ": tokenTypeID, "azp": client.ID},
		}, s.cfg.IDTokenTTL)
		if err != nil {
			return ExchangeResult{}, unavailable(err)
		}
		out.IDToken = id.Token
	}

	access, err := s.issuer.Sign(token.Claims{
		Subject: client.ID,
		Private: map[string]any{"typ": tokenTypeAccess, "scope": scope, "client_id": client.ID},
	}, s.cfg.AccessTokenMaxLifetime)
	if err != nil {
		return ExchangeResult{}, unavailable(err)
	}
	s.tokens.PutSliding(access.ID, model.AccessToken{
		ClientID:  client.ID,
		Scopes:    entry.Scopes,
		CreatedAt: s.cfg.Now().UTC(),
	}, s.cfg.AccessTokenTTL)
	out.AccessToken = access.Token

	s.publish(ctx, Activity{Type: ActivityTokenExchanged, ClientID: client.ID, At: s.cfg.Now().UTC(),
		Detail: map[string]string{"scope": scope}})
	return out, nil
}

// Introspect validates a bearer access token and extends its sliding
// expiry.  Identity tokens and tokens whose store entry expired are rejected.
func (s *OAuthService) Introspect(ctx context.Context, raw string) (model.AccessToken, error) {
	claims, err := s.issuer.Parse(raw)
	if err != nil {
		return model.AccessToken{}, ErrInvalidToken
	}
	if claims.String("typ") != tokenTypeAccess || claims.ID == "" {
		return model.AccessToken{}, ErrInvalidToken
	}
	entry, ok := s.tokens.Get(claims.ID)
	if !ok || entry.ClientID != claims.Subject {
		return model.AccessToken{}, ErrInvalidToken
	}
	return entry, nil
}

// RevokeAccessToken drops an access token before its expiry.
func (s *OAuthService) RevokeAccessToken(ctx context.Context, raw string) error {
	claims, err := s.issuer.Parse(raw)
	if err != nil {
		return ErrInvalidToken
	}
	s.tokens.Remove(claims.ID)
	return nil
}

// RequireScope fails with insufficient_scope unless tok grants scope.
func RequireScope(tok model.AccessToken, scope string) error {
	if !contains(tok.Scopes, scope) {
		return ErrInsufficientScope.With("scope %q required", scope)
	}
	return nil
}

func (s *OAuthService) client(ctx context.Context, id string) (model.Client, error) {
	if strings.TrimSpace(id) == "" {
		return model.Client{}, ErrInvalidClient
	}
	c, err := s.clients.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Client{}, ErrInvalidClient
	}
	if err != nil {
		s.log.ErrorContext(ctx, "load client", slog.String("client_id", id), slog.Any("error", err))
		return model.Client{}, unavailable(err)
	}
	return c, nil
}

func (s *OAuthService) publish(ctx context.Context, a Activity) {
	if err := s.sink.Publish(ctx, a); err != nil {
		s.log.WarnContext(ctx, "publish activity", slog.String("type", a.Type), slog.Any("error", err))
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
