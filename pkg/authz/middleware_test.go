package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type denyAuthorizer struct{}

func (d *denyAuthorizer) Authorize(_ context.Context, _ AuthzRequest) (bool, error) {
	return false, nil
}

type recordingAuthorizer struct {
	last AuthzRequest
}

func (r *recordingAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	r.last = req
	return true, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthzMiddleware_Denied(t *testing.T) {
	handler := AuthzMiddleware(&denyAuthorizer{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called when denied")
		}),
	)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/nodes/raw", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "bob"}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["error"] != "forbidden" {
		t.Errorf("error = %q, want %q", body["error"], "forbidden")
	}
}

func TestAuthzMiddleware_AuthorizerError(t *testing.T) {
	handler := AuthzMiddleware(&countingAuthorizer{err: errors.New("down")})(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/metadata/raw", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestAuthzMiddleware_PassesNodePath(t *testing.T) {
	rec := &recordingAuthorizer{}
	handler := AuthzMiddleware(rec)(okHandler())

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/metadata/raw/scan_001", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{User: "alice", Groups: []string{"g"}}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	want := AuthzRequest{User: "alice", Groups: []string{"g"}, Resource: ResourceMetadata, Verb: VerbUpdate, Name: "raw/scan_001"}
	if rec.last.User != want.User || rec.last.Resource != want.Resource || rec.last.Verb != want.Verb || rec.last.Name != want.Name {
		t.Errorf("authorizer got %+v, want %+v", rec.last, want)
	}
}

func TestAuthzMiddleware_UnknownRouteDenied(t *testing.T) {
	handler := AuthzMiddleware(AllowAll)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/unknown", nil))

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}
