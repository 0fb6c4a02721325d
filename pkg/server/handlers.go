package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/catalog/query/filter"
)

// errBadRequest marks malformed parameters and bodies.
var errBadRequest = errors.New("bad request")

const (
	contentTypeJSON       = "application/json"
	contentTypeJSONPatch  = "application/json-patch+json"
	contentTypeMergePatch = "application/merge-patch+json"
)

// nodePath returns the node path carried after the route name.
func nodePath(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", errBadRequest, name)
	}
	return b, nil
}

func idParam(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.Trim(raw, "/"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return id, nil
}

// pageRequest reads page[offset], page[limit], sort, stride and count.
func pageRequest(r *http.Request) (catalog.PageRequest, error) {
	var req catalog.PageRequest
	var err error
	if req.Offset, err = intParam(r, "page[offset]", 0); err != nil {
		return req, err
	}
	if req.Limit, err = intParam(r, "page[limit]", 0); err != nil {
		return req, err
	}
	if req.Stride, err = intParam(r, "stride", 0); err != nil {
		return req, err
	}
	if req.Sort, err = catalog.ParseSort(r.URL.Query().Get("sort")); err != nil {
		return req, err
	}
	req.ExactCount = r.URL.Query().Get("count") == "exact"
	return req, nil
}

// searchView opens the view at the request path narrowed by every
// filter parameter.
func (s *Server) searchView(r *http.Request) (*catalog.View, error) {
	view, err := s.catalog.View(r.Context(), nodePath(r))
	if err != nil {
		return nil, err
	}
	for _, expr := range r.URL.Query()["filter"] {
		qs, err := filter.Parse(expr)
		if err != nil {
			return nil, err
		}
		for _, q := range qs {
			view = view.Search(q)
		}
	}
	return view, nil
}

// optionalFields may be selected with the fields parameter; the id, key,
// ancestors and structure family are always returned.
var optionalFields = mapset.NewSet("metadata", "specs", "data_sources", "time_created", "time_updated")

func selectFields(r *http.Request) (mapset.Set[string], error) {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil, nil
	}
	fields := mapset.NewThreadUnsafeSet[string]()
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !optionalFields.Contains(f) {
			return nil, fmt.Errorf("%w: unknown field %q", errBadRequest, f)
		}
		fields.Add(f)
	}
	return fields, nil
}

func project(n *catalog.Node, fields mapset.Set[string]) any {
	if fields == nil {
		return n
	}
	out := map[string]any{
		"id":               n.ID,
		"key":              n.Key,
		"ancestors":        n.Ancestors,
		"structure_family": n.StructureFamily,
	}
	for f := range fields.Iter() {
		switch f {
		case "metadata":
			out[f] = n.Metadata
		case "specs":
			out[f] = n.Specs
		case "data_sources":
			out[f] = n.DataSources
		case "time_created":
			out[f] = n.TimeCreated
		case "time_updated":
			out[f] = n.TimeUpdated
		}
	}
	return out
}

func (s *Server) getNodeHandler(w http.ResponseWriter, r *http.Request) {
	fields, err := selectFields(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.catalog.Get(r.Context(), nodePath(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project(node, fields))
}

func (s *Server) createNodeHandler(w http.ResponseWriter, r *http.Request) {
	var spec catalog.NodeSpec
	if err := decodeBody(r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.catalog.Create(r.Context(), nodePath(r), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// replaceBody is the application/json form of a metadata patch.
type replaceBody struct {
	Metadata     json.RawMessage `json:"metadata"`
	Specs        *catalog.Specs  `json:"specs"`
	DropRevision bool            `json:"drop_revision"`
}

// patchFromRequest builds a MetadataPatch from the request content type.
// application/json carries a replace envelope; the RFC 6902 and RFC 7386
// types carry the patch document itself, with drop_revision as a query
// parameter.
func patchFromRequest(r *http.Request) (catalog.MetadataPatch, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	drop, err := boolParam(r, "drop_revision")
	if err != nil {
		return catalog.MetadataPatch{}, err
	}

	switch mediaType {
	case contentTypeJSON:
		var body replaceBody
		if err := decodeBody(r, &body); err != nil {
			return catalog.MetadataPatch{}, err
		}
		return catalog.MetadataPatch{
			Kind:         catalog.PatchReplace,
			Metadata:     body.Metadata,
			Specs:        body.Specs,
			DropRevision: body.DropRevision || drop,
		}, nil
	case contentTypeJSONPatch, contentTypeMergePatch:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return catalog.MetadataPatch{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		kind := catalog.PatchJSONPatch
		if mediaType == contentTypeMergePatch {
			kind = catalog.PatchMerge
		}
		return catalog.MetadataPatch{Kind: kind, Metadata: raw, DropRevision: drop}, nil
	}
	return catalog.MetadataPatch{}, fmt.Errorf("%w: %q", errUnsupportedMediaType, r.Header.Get("Content-Type"))
}

func (s *Server) patchMetadataHandler(w http.ResponseWriter, r *http.Request) {
	patch, err := patchFromRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	node, err := s.catalog.PatchMetadata(r.Context(), nodePath(r), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// pageBody is a Page with optionally projected items.
type pageBody struct {
	*catalog.Page
	Items []any `json:"items"`
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fields, err := selectFields(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.searchView(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := view.List(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body := pageBody{Page: page, Items: make([]any, len(page.Items))}
	for i, n := range page.Items {
		body.Items[i] = project(n, fields)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) distinctHandler(w http.ResponseWriter, r *http.Request) {
	fields := r.URL.Query()["field"]
	if len(fields) == 0 {
		s.fail(w, r, fmt.Errorf("%w: at least one field is required", errBadRequest))
		return
	}
	counts, err := boolParam(r, "counts")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.searchView(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	values, err := view.Distinct(r.Context(), fields, counts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) moveHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewParent *string `json:"new_parent"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.NewParent == nil {
		s.fail(w, r, fmt.Errorf("%w: new_parent is required", errBadRequest))
		return
	}
	node, err := s.catalog.Move(r.Context(), nodePath(r), *body.NewParent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.catalog.Delete(r.Context(), nodePath(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) revisionsHandler(w http.ResponseWriter, r *http.Request) {
	path := nodePath(r)
	if r.URL.Query().Has("number") {
		number, err := intParam(r, "number", 0)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rev, err := s.catalog.GetRevision(r.Context(), path, int64(number))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rev)
		return
	}

	offset, err := intParam(r, "page[offset]", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "page[limit]", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.catalog.ListRevisions(r.Context(), path, offset, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) deleteRevisionHandler(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("number") {
		s.fail(w, r, fmt.Errorf("%w: number is required", errBadRequest))
		return
	}
	number, err := intParam(r, "number", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.catalog.DeleteRevision(r.Context(), nodePath(r), int64(number)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getDataSourceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(chi.URLParam(r, "*"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ds, err := s.catalog.GetDataSource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) registerDataSourceHandler(w http.ResponseWriter, r *http.Request) {
	var spec catalog.DataSourceSpec
	if err := decodeBody(r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	ds, err := s.catalog.RegisterDataSource(r.Context(), nodePath(r), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) addAssetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var link catalog.AssetLink
	if err := decodeBody(r, &link); err != nil {
		s.fail(w, r, err)
		return
	}
	asset, err := s.catalog.AddAsset(r.Context(), id, link.AssetSpec, link.Parameter, link.Num)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) listAssetsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	assets, err := s.catalog.ListAssets(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) readDataHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.catalog.ReadData(r.Context(), nodePath(r), nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) readBlockHandler(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.Query().Has(param) {
			s.fail(w, r, fmt.Errorf("%w: %s is required", errBadRequest, param))
			return
		}
		block, err := intParam(r, param, 0)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		data, err := s.catalog.ReadData(r.Context(), nodePath(r), &block)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

func (s *Server) appendPartitionHandler(w http.ResponseWriter, r *http.Request) {
	partition, err := intParam(r, "partition", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var rows []map[string]any
	if err := decodeBody(r, &rows); err != nil {
		s.fail(w, r, err)
		return
	}
	ds, err := s.catalog.AppendPartition(r.Context(), nodePath(r), partition, rows)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) patchArrayHandler(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	extend, err := boolParam(r, "extend")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var values []float64
	if err := decodeBody(r, &values); err != nil {
		s.fail(w, r, err)
		return
	}
	ds, err := s.catalog.PatchArray(r.Context(), nodePath(r), int64(offset), extend, values)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}
