package authz

import (
	"net/http"
	"strings"
)

// ResourceMapping maps an HTTP request to a catalog resource and verb for authorization.
type ResourceMapping struct {
	Resource string
	Verb     string
	// Name is the catalog path (or data source id) addressed by the request.
	Name string
}

// UnknownMapping is returned when no known pattern matches the request.
// Callers should deny requests with this mapping by default.
var UnknownMapping = ResourceMapping{}

// APIPrefix is the path prefix of every catalog route.
const APIPrefix = "/api/v1/"

// MapRequest maps an HTTP method and URL path to a ResourceMapping.
func MapRequest(method, path string) ResourceMapping {
	if !strings.HasPrefix(path, APIPrefix) {
		return UnknownMapping
	}
	route, name, _ := strings.Cut(strings.TrimPrefix(path, APIPrefix), "/")
	name = strings.Trim(name, "/")

	m := mapRoute(method, route, name)
	if m != UnknownMapping {
		m.Name = name
	}
	return m
}

func mapRoute(method, route, name string) ResourceMapping {
	switch route {
	case "metadata":
		switch method {
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceMetadata, Verb: VerbGet}
		case http.MethodPost:
			return ResourceMapping{Resource: ResourceNodes, Verb: VerbCreate}
		case http.MethodPatch:
			return ResourceMapping{Resource: ResourceMetadata, Verb: VerbUpdate}
		}
	case "list", "search", "distinct":
		if method == http.MethodGet {
			return ResourceMapping{Resource: ResourceNodes, Verb: VerbList}
		}
	case "move":
		if method == http.MethodPut {
			return ResourceMapping{Resource: ResourceNodes, Verb: VerbUpdate}
		}
	case "nodes":
		if method == http.MethodDelete {
			return ResourceMapping{Resource: ResourceNodes, Verb: VerbDelete}
		}
	case "revisions":
		switch method {
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceRevisions, Verb: VerbList}
		case http.MethodDelete:
			return ResourceMapping{Resource: ResourceRevisions, Verb: VerbDelete}
		}
	case "data_sources":
		switch method {
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceDataSources, Verb: VerbGet}
		case http.MethodPost:
			return ResourceMapping{Resource: ResourceDataSources, Verb: VerbCreate}
		}
	case "assets":
		switch method {
		case http.MethodGet:
			return ResourceMapping{Resource: ResourceAssets, Verb: VerbList}
		case http.MethodPost:
			return ResourceMapping{Resource: ResourceAssets, Verb: VerbCreate}
		}
	case "table", "array":
		if method == http.MethodPatch || method == http.MethodPut {
			return ResourceMapping{Resource: ResourceData, Verb: VerbUpdate}
		}
		if method == http.MethodGet {
			return ResourceMapping{Resource: ResourceData, Verb: VerbGet}
		}
	case "audit":
		if method != http.MethodGet {
			break
		}
		if strings.HasPrefix(name, "events/") {
			return ResourceMapping{Resource: ResourceAuditEvents, Verb: VerbGet}
		}
		return ResourceMapping{Resource: ResourceAuditEvents, Verb: VerbList}
	}
	return UnknownMapping
}
