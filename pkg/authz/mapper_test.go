package authz

import (
	"net/http"
	"testing"
)

func TestMapRequest(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   ResourceMapping
	}{
		{http.MethodGet, "/api/v1/metadata/raw/scan_001", ResourceMapping{ResourceMetadata, VerbGet, "raw/scan_001"}},
		{http.MethodPost, "/api/v1/metadata/raw", ResourceMapping{ResourceNodes, VerbCreate, "raw"}},
		{http.MethodPatch, "/api/v1/metadata/raw/scan_001", ResourceMapping{ResourceMetadata, VerbUpdate, "raw/scan_001"}},
		{http.MethodGet, "/api/v1/list/", ResourceMapping{ResourceNodes, VerbList, ""}},
		{http.MethodGet, "/api/v1/search/raw", ResourceMapping{ResourceNodes, VerbList, "raw"}},
		{http.MethodGet, "/api/v1/distinct/raw", ResourceMapping{ResourceNodes, VerbList, "raw"}},
		{http.MethodPut, "/api/v1/move/raw/a", ResourceMapping{ResourceNodes, VerbUpdate, "raw/a"}},
		{http.MethodDelete, "/api/v1/nodes/raw/a", ResourceMapping{ResourceNodes, VerbDelete, "raw/a"}},
		{http.MethodGet, "/api/v1/revisions/raw/a", ResourceMapping{ResourceRevisions, VerbList, "raw/a"}},
		{http.MethodDelete, "/api/v1/revisions/raw/a", ResourceMapping{ResourceRevisions, VerbDelete, "raw/a"}},
		{http.MethodPost, "/api/v1/data_sources/raw/a", ResourceMapping{ResourceDataSources, VerbCreate, "raw/a"}},
		{http.MethodPost, "/api/v1/assets/12", ResourceMapping{ResourceAssets, VerbCreate, "12"}},
		{http.MethodGet, "/api/v1/assets/12", ResourceMapping{ResourceAssets, VerbList, "12"}},
		{http.MethodPatch, "/api/v1/table/partition/t", ResourceMapping{ResourceData, VerbUpdate, "partition/t"}},
		{http.MethodPatch, "/api/v1/array/full/x", ResourceMapping{ResourceData, VerbUpdate, "full/x"}},
		{http.MethodGet, "/api/v1/audit/events", ResourceMapping{ResourceAuditEvents, VerbList, "events"}},
		{http.MethodGet, "/api/v1/audit/events/3f2c", ResourceMapping{ResourceAuditEvents, VerbGet, "events/3f2c"}},
		{http.MethodDelete, "/api/v1/audit/events", UnknownMapping},
		{http.MethodDelete, "/api/v1/list/raw", UnknownMapping},
		{http.MethodGet, "/healthz", UnknownMapping},
		{http.MethodGet, "/api/v1/unknown/x", UnknownMapping},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if got := MapRequest(tt.method, tt.path); got != tt.want {
				t.Errorf("MapRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
