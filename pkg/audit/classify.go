package audit

import (
	"net/http"
	"strings"
)

// Actions recorded by the middleware.
const (
	ActionCreate             = "create"
	ActionPatchMetadata      = "patch-metadata"
	ActionMove               = "move"
	ActionDelete             = "delete"
	ActionDeleteRevision     = "delete-revision"
	ActionRegisterDataSource = "register-data-source"
	ActionAddAsset           = "add-asset"
	ActionWriteData          = "write-data"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

const apiPrefix = "/api/v1/"

// classify maps a mutating API request onto its action and the node path
// it targets. ok is false for reads and for paths outside the API.
func classify(method, path string) (action, nodePath string, ok bool) {
	rest, found := strings.CutPrefix(path, apiPrefix)
	if !found {
		return "", "", false
	}
	route, rest, _ := strings.Cut(rest, "/")

	switch {
	case route == "metadata" && method == http.MethodPost:
		action = ActionCreate
	case route == "metadata" && method == http.MethodPatch:
		action = ActionPatchMetadata
	case route == "move" && method == http.MethodPut:
		action = ActionMove
	case route == "nodes" && method == http.MethodDelete:
		action = ActionDelete
	case route == "revisions" && method == http.MethodDelete:
		action = ActionDeleteRevision
	case route == "data_sources" && method == http.MethodPost:
		action = ActionRegisterDataSource
	case route == "assets" && method == http.MethodPost:
		// The trailing segment is a data source id, not a node path.
		return ActionAddAsset, "", true
	case (route == "table" || route == "array") && method == http.MethodPatch:
		// table/partition/<path> and array/full/<path>
		_, rest, _ = strings.Cut(rest, "/")
		action = ActionWriteData
	default:
		return "", "", false
	}
	return action, strings.Trim(rest, "/"), true
}

// outcomeFromStatus maps an HTTP status onto an outcome.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusForbidden:
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}
