package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantcore/internal/apperr"
	"tenantcore/internal/config"
)

const (
	testIssuer   = "https://test-issuer.com"
	testAudience = "api://tenants"
	testGroup    = "tenant-admins"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func adminClaims(groups ...string) map[string]any {
	return map[string]any{
		"iss":    testIssuer,
		"aud":    testAudience,
		"sub":    "ops-user",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Add(-1 * time.Minute).Unix(),
		"email":  "ops@example.com",
		"groups": groups,
	}
}

func newTestAuth(adminGroup string) *Auth {
	return &Auth{
		apiVerifier: oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{ClientID: testAudience}),
		adminGroup:  adminGroup,
		logger:      &NoOpLogger{},
	}
}

func serve(a *Auth, req *http.Request) (*httptest.ResponseRecorder, *Principal) {
	var seen *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFrom(r.Context()); ok {
			seen = &p
		}
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	a.RequireAdmin(next).ServeHTTP(rec, req)
	return rec, seen
}

func problemKind(t *testing.T, rec *httptest.ResponseRecorder) apperr.Kind {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var body apperr.ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Kind
}

func TestRequireAdmin_BearerToken(t *testing.T) {
	a := newTestAuth(testGroup)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, adminClaims("everyone", testGroup)))

	rec, principal := serve(a, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, "ops-user", principal.Subject)
	assert.Equal(t, "ops@example.com", principal.Email)
}

func TestRequireAdmin_NotInAdminGroup(t *testing.T) {
	a := newTestAuth(testGroup)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, adminClaims("everyone")))

	rec, principal := serve(a, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, principal)
	assert.Equal(t, apperr.KindForbidden, problemKind(t, rec))
}

func TestRequireAdmin_AnyVerifiedTokenWithoutAdminGroup(t *testing.T) {
	a := newTestAuth("")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, adminClaims()))

	rec, principal := serve(a, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, principal)
}

func TestRequireAdmin_Rejects(t *testing.T) {
	expired := adminClaims(testGroup)
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongAudience := adminClaims(testGroup)
	wrongAudience["aud"] = "someone-else"

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic b3BzOnNlY3JldA=="},
		{"malformed token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + fakeToken(t, expired)},
		{"wrong audience", "Bearer " + fakeToken(t, wrongAudience)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, principal := serve(newTestAuth(testGroup), req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, principal)
			assert.Equal(t, apperr.KindAuthRequired, problemKind(t, rec))
		})
	}
}

func TestRequireAdmin_BypassMode(t *testing.T) {
	cfg := &config.Config{
		Environment:   "DEV",
		DevModeBypass: true,
	}
	cfg.Auth.AdminGroup = testGroup
	a, err := New(context.Background(), cfg, &NoOpLogger{})
	require.NoError(t, err)
	assert.True(t, a.LoginEnabled())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/tenants", nil)
	rec, principal := serve(a, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	assert.Equal(t, devPrincipal, principal.Email)
	assert.Contains(t, principal.Groups, testGroup)
}

func TestNew_BypassIgnoredOutsideDev(t *testing.T) {
	cfg := &config.Config{
		Environment:   "PROD",
		DevModeBypass: true,
	}
	_, err := New(context.Background(), cfg, &NoOpLogger{})
	assert.EqualError(t, err, "auth.okta_domain is required")
}

func TestLoginHandlers_Disabled(t *testing.T) {
	a := newTestAuth(testGroup)
	assert.False(t, a.LoginEnabled())

	rec := httptest.NewRecorder()
	a.LoginHandler(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	a.CallbackHandler(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoutHandler_ClearsCookie(t *testing.T) {
	a := newTestAuth(testGroup)
	rec := httptest.NewRecorder()

	a.LogoutHandler(rec, httptest.NewRequest(http.MethodGet, "/logout", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, idTokenCookie, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}
