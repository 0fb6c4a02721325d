package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureIdentity(t *testing.T, verifier *TokenVerifier, setup func(r *http.Request)) (Identity, int) {
	t.Helper()
	var got Identity
	handler := IdentityMiddleware(verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metadata/", nil)
	setup(req)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return got, rr.Code
}

func TestIdentityMiddleware_Headers(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		groups     string
		wantUser   string
		wantGroups []string
	}{
		{name: "anonymous", wantUser: AnonymousUser},
		{name: "user only", user: "alice", wantUser: "alice"},
		{name: "user and groups", user: " alice ", groups: "a, b,,c ", wantUser: "alice", wantGroups: []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, code := captureIdentity(t, nil, func(r *http.Request) {
				if tt.user != "" {
					r.Header.Set("X-Remote-User", tt.user)
				}
				if tt.groups != "" {
					r.Header.Set("X-Remote-Group", tt.groups)
				}
			})
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.wantUser, id.User)
			assert.Equal(t, tt.wantGroups, id.Groups)
		})
	}
}

func TestIdentityMiddleware_BearerToken(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	verifier := NewTokenVerifierWithKey(&privateKey.PublicKey, TokenVerifierConfig{GroupsClaim: "realm_access.roles"})

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(privateKey)
		require.NoError(t, err)
		return token
	}

	t.Run("valid token", func(t *testing.T) {
		token := sign(jwt.MapClaims{
			"sub":          "alice",
			"realm_access": map[string]any{"roles": []any{"curators", "viewers"}},
			"exp":          time.Now().Add(time.Hour).Unix(),
		})
		id, code := captureIdentity(t, verifier, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
			r.Header.Set("X-Remote-User", "mallory")
		})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "alice", id.User)
		assert.Equal(t, []string{"curators", "viewers"}, id.Groups)
		assert.True(t, id.InGroup("curators"))
	})

	t.Run("expired token", func(t *testing.T) {
		token := sign(jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
		_, code := captureIdentity(t, verifier, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := sign(jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
		_, code := captureIdentity(t, verifier, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("no token falls back to headers", func(t *testing.T) {
		id, code := captureIdentity(t, verifier, func(r *http.Request) {
			r.Header.Set("X-Remote-User", "bob")
		})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "bob", id.User)
	})
}

func TestTokenVerifier_WrongKey(t *testing.T) {
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "alice"}).SignedString(signer)
	require.NoError(t, err)

	_, err = NewTokenVerifierWithKey(&other.PublicKey, TokenVerifierConfig{}).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentity_IsAnonymous(t *testing.T) {
	assert.True(t, Anonymous().IsAnonymous())
	assert.True(t, Identity{}.IsAnonymous())
	assert.False(t, Identity{User: "alice"}.IsAnonymous())
}
