package authz

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AuthzMiddleware returns middleware that maps the HTTP method and URL path
// to a (resource, verb, name) triple and performs the authorization check.
// It can be mounted as global middleware on all catalog routes.
func AuthzMiddleware(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapping := MapRequest(r.Method, r.URL.Path)
			if mapping == UnknownMapping {
				writeAuthzError(w, http.StatusForbidden, "forbidden", "unknown endpoint, access denied")
				return
			}

			id, _ := IdentityFromContext(r.Context())
			req := AuthzRequest{
				User:     id.User,
				Groups:   id.Groups,
				Resource: mapping.Resource,
				Verb:     mapping.Verb,
				Name:     mapping.Name,
			}
			if !check(w, r, authorizer, req) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func check(w http.ResponseWriter, r *http.Request, authorizer Authorizer, req AuthzRequest) bool {
	allowed, err := authorizer.Authorize(r.Context(), req)
	if err != nil {
		writeAuthzError(w, http.StatusInternalServerError, "internal_error", "authorization check failed")
		return false
	}
	if !allowed {
		writeAuthzError(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("insufficient permissions for %s/%s", req.Resource, req.Verb))
		return false
	}
	return true
}

func writeAuthzError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
