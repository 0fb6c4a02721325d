package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// AnonymousUser is the user name given to requests without credentials.
const AnonymousUser = "anonymous"

type identityCtxKey struct{}

// Identity represents the authenticated principal making a request.
type Identity struct {
	User   string
	Groups []string
	// Claims holds the verified token claims when the identity came from
	// a bearer token.
	Claims map[string]any
}

// Anonymous returns the identity used for unauthenticated callers.
func Anonymous() Identity {
	return Identity{User: AnonymousUser}
}

// IsAnonymous reports whether id carries no authenticated user.
func (id Identity) IsAnonymous() bool {
	return id.User == "" || id.User == AnonymousUser
}

// InGroup reports whether id is a member of group.
func (id Identity) InGroup(group string) bool {
	for _, g := range id.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// IdentityMiddleware resolves the caller and stores it in the request
// context. A bearer token is verified with verifier when one is
// configured; an invalid token is rejected with 401. Otherwise the
// X-Remote-User and comma-separated X-Remote-Group headers set by a
// trusted proxy are used, defaulting to AnonymousUser.
func IdentityMiddleware(verifier *TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier != nil {
				if token := bearerToken(r); token != "" {
					id, err := verifier.Verify(token)
					if err != nil {
						logger.Debug("rejecting bearer token", "error", err)
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusUnauthorized)
						_ = json.NewEncoder(w).Encode(map[string]string{
							"error":   "unauthorized",
							"message": "invalid bearer token",
						})
						return
					}
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
			if user == "" {
				user = AnonymousUser
			}
			id := Identity{User: user, Groups: splitGroups(r.Header.Get("X-Remote-Group"))}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func splitGroups(header string) []string {
	var groups []string
	for _, g := range strings.Split(header, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
