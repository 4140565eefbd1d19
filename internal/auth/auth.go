// Package auth guards the tenant administration API with OpenID Connect
// tokens issued by an Okta authorization server.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"tenantcore/internal/apperr"
	"tenantcore/internal/config"
)

const (
	stateCookie   = "oauthstate"
	idTokenCookie = "id_token"

	devPrincipal = "dev@localhost"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Principal is the administrator a request was authenticated as.
type Principal struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Groups  []string `json:"groups"`
}

type principalKey struct{}

// PrincipalFrom returns the authenticated administrator stored by RequireAdmin.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Auth verifies administrator tokens. In DEV with dev_mode_bypass set every
// request is accepted as a local administrator.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	adminGroup   string
	logger       Logger
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It discovers the provider and prepares token verifiers.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	a := &Auth{
		adminGroup: cfg.Auth.AdminGroup,
		logger:     logger,
		authBypass: cfg.IsDev() && cfg.DevModeBypass,
	}
	if a.authBypass {
		if logger != nil {
			logger.Warn("admin authentication bypassed in DEV mode")
		}
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" {
		return nil, errors.New("auth.okta_domain is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	// Access tokens usually carry an API audience rather than the client ID.
	a.apiVerifier = provider.Verifier(&oidc.Config{
		ClientID:          cfg.Auth.Audience,
		SkipClientIDCheck: cfg.Auth.Audience == "",
	})

	if cfg.Auth.ClientID != "" && cfg.Auth.ClientSecret != "" && cfg.Auth.RedirectURL != "" {
		a.oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       LoginScopes,
		}
		a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	}
	return a, nil
}

// LoginEnabled reports whether the browser login flow is configured.
func (a *Auth) LoginEnabled() bool {
	return a.authBypass || a.oauth2Config != nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if a.oauth2Config == nil {
		http.NotFound(w, r)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if a.oauth2Config == nil {
		http.NotFound(w, r)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}
	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     idTokenCookie,
		Value:    rawIDToken,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   idTokenCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAdmin is middleware that admits requests carrying a valid bearer
// token (or login session cookie) whose groups claim contains the admin
// group. Failures are answered with a problem document.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			if a.logger != nil {
				a.logger.Debug("admin request rejected", "path", r.URL.Path, "error", err)
			}
			apperr.WriteProblem(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) authenticate(r *http.Request) (Principal, error) {
	const op = "auth.RequireAdmin"

	if a.authBypass {
		return Principal{Subject: "dev", Email: devPrincipal, Groups: []string{a.adminGroup}}, nil
	}

	var token *oidc.IDToken
	var err error
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
	} else if cookie, cerr := r.Cookie(idTokenCookie); cerr == nil && a.verifier != nil {
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
	} else {
		return Principal{}, apperr.New(apperr.KindAuthRequired, op, "missing bearer token")
	}
	if err != nil {
		return Principal{}, apperr.Errorf(apperr.KindAuthRequired, op, "invalid token: %v", err)
	}

	var p Principal
	if err := token.Claims(&p); err != nil {
		return Principal{}, apperr.New(apperr.KindAuthRequired, op, "failed to parse token claims")
	}
	p.Subject = token.Subject
	if a.adminGroup != "" && !slices.Contains(p.Groups, a.adminGroup) {
		return Principal{}, apperr.Errorf(apperr.KindForbidden, op, "%s is not a tenant administrator", p.Subject)
	}
	return p, nil
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
