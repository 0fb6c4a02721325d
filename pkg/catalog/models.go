package catalog

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Structure families understood by the catalog.
const (
	FamilyContainer = "container"
	FamilyArray     = "array"
	FamilyTable     = "table"
	FamilyAwkward   = "awkward"
	FamilySparse    = "sparse"
)

var structureFamilies = map[string]bool{
	FamilyContainer: true,
	FamilyArray:     true,
	FamilyTable:     true,
	FamilyAwkward:   true,
	FamilySparse:    true,
}

// Data source management modes.
const (
	ManagementExternal = "external"
	ManagementWritable = "writable"
)

// JSONObject is a JSON object column. A nil object is stored as {}.
type JSONObject map[string]any

// Scan implements the sql.Scanner interface for JSONObject.
func (m *JSONObject) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	case map[string]any:
		*m = v
		return nil
	default:
		return fmt.Errorf("unsupported type for JSONObject: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONObject.
func (m JSONObject) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return storedJSON(map[string]any(m))
}

// storedJSON encodes v for a text column without HTML escaping, so that
// LIKE patterns over the stored text see '&', '<' and '>' as written.
func storedJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Clone returns a deep copy made through a JSON round trip.
func (m JSONObject) Clone() JSONObject {
	if m == nil {
		return JSONObject{}
	}
	b, _ := json.Marshal(m)
	var out JSONObject
	_ = json.Unmarshal(b, &out)
	return out
}

// Lookup walks a dotted path through nested objects.
func (m JSONObject) Lookup(path string) (any, bool) {
	var current any = map[string]any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Spec is a named, optionally versioned schema label attached to a node.
type Spec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Specs is an ordered list of specs stored as JSON text.
type Specs []Spec

// Scan implements the sql.Scanner interface for Specs.
func (s *Specs) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for Specs: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for Specs.
func (s Specs) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return storedJSON([]Spec(s))
}

// Has reports whether a spec with the given name is present.
func (s Specs) Has(name string) bool {
	for _, spec := range s {
		if spec.Name == name {
			return true
		}
	}
	return false
}

// Node is an entry in the catalog tree. Parent is nil only for the root.
type Node struct {
	ID              int64      `gorm:"primaryKey;column:id" json:"id"`
	Key             string     `gorm:"column:key" json:"key"`
	Parent          *int64     `gorm:"column:parent" json:"-"`
	StructureFamily string     `gorm:"column:structure_family" json:"structure_family"`
	Metadata        JSONObject `gorm:"column:metadata" json:"metadata"`
	Specs           Specs      `gorm:"column:specs" json:"specs"`
	TimeCreated     time.Time  `gorm:"column:time_created" json:"time_created"`
	TimeUpdated     time.Time  `gorm:"column:time_updated" json:"time_updated"`

	// NextRevision is the number the next revision will take. It only
	// grows, so numbers are never reused after DeleteRevision.
	NextRevision int64 `gorm:"column:next_revision" json:"-"`

	// Ancestors holds the keys from the root (exclusive) down to the
	// node's parent.
	Ancestors   []string      `gorm:"-" json:"ancestors"`
	DataSources []*DataSource `gorm:"-" json:"data_sources,omitempty"`
}

func (Node) TableName() string { return "nodes" }

// Path returns the slash-separated path of the node. The root's path is "".
func (n *Node) Path() string {
	if n.Parent == nil {
		return ""
	}
	return strings.Join(append(append([]string{}, n.Ancestors...), n.Key), "/")
}

// IsRoot reports whether n is the root node.
func (n *Node) IsRoot() bool { return n.Parent == nil }

// closureEdge is one row of the transitive closure of the parent relation.
type closureEdge struct {
	Ancestor   int64 `gorm:"primaryKey;column:ancestor"`
	Descendant int64 `gorm:"primaryKey;column:descendant"`
	Depth      int   `gorm:"column:depth"`
}

func (closureEdge) TableName() string { return "nodes_closure" }

// Revision is a snapshot of a node's metadata and specs taken before a
// patch was applied.
type Revision struct {
	ID             int64      `gorm:"primaryKey;column:id" json:"-"`
	NodeID         int64      `gorm:"column:node_id" json:"node_id"`
	RevisionNumber int64      `gorm:"column:revision_number" json:"revision_number"`
	Metadata       JSONObject `gorm:"column:metadata" json:"metadata"`
	Specs          Specs      `gorm:"column:specs" json:"specs"`
	TimeCreated    time.Time  `gorm:"column:time_created" json:"time_created"`
}

func (Revision) TableName() string { return "revisions" }

// structureRecord stores one content-addressed structure.
type structureRecord struct {
	ID        string     `gorm:"primaryKey;column:id"`
	Structure JSONObject `gorm:"column:structure"`
}

func (structureRecord) TableName() string { return "structures" }

// DataSource records how a node's bytes are stored.
type DataSource struct {
	ID              int64      `gorm:"primaryKey;column:id" json:"id"`
	NodeID          int64      `gorm:"column:node_id" json:"node_id"`
	StructureID     *string    `gorm:"column:structure_id" json:"structure_id,omitempty"`
	Mimetype        string     `gorm:"column:mimetype" json:"mimetype"`
	Parameters      JSONObject `gorm:"column:parameters" json:"parameters"`
	Management      string     `gorm:"column:management" json:"management"`
	StructureFamily string     `gorm:"column:structure_family" json:"structure_family"`

	Structure JSONObject         `gorm:"-" json:"structure,omitempty"`
	Assets    []AssetAssociation `gorm:"-" json:"assets,omitempty"`
}

func (DataSource) TableName() string { return "data_sources" }

// Asset is a file or directory referenced by one or more data sources.
type Asset struct {
	ID          int64     `gorm:"primaryKey;column:id" json:"id"`
	DataURI     string    `gorm:"column:data_uri" json:"data_uri"`
	IsDirectory bool      `gorm:"column:is_directory" json:"is_directory"`
	HashType    *string   `gorm:"column:hash_type" json:"hash_type,omitempty"`
	HashContent *string   `gorm:"column:hash_content" json:"hash_content,omitempty"`
	Size        *int64    `gorm:"column:size" json:"size,omitempty"`
	TimeCreated time.Time `gorm:"column:time_created" json:"time_created"`
}

func (Asset) TableName() string { return "assets" }

// association links an asset into a data source under a parameter name.
// Num is nil for a single asset and an index for numbered sequences.
type association struct {
	DataSourceID int64  `gorm:"primaryKey;column:data_source_id"`
	AssetID      int64  `gorm:"primaryKey;column:asset_id"`
	Parameter    string `gorm:"column:parameter"`
	Num          *int   `gorm:"column:num"`
}

func (association) TableName() string { return "data_source_asset_association" }

// AssetAssociation is an asset as seen through one data source.
type AssetAssociation struct {
	Asset
	Parameter string `json:"parameter"`
	Num       *int   `json:"num"`
}

// NodeSpec describes a node to create.
type NodeSpec struct {
	Key             string           `json:"key"`
	StructureFamily string           `json:"structure_family"`
	Metadata        JSONObject       `json:"metadata"`
	Specs           Specs            `json:"specs"`
	DataSources     []DataSourceSpec `json:"data_sources,omitempty"`
}

// DataSourceSpec describes a data source to register.
type DataSourceSpec struct {
	Mimetype        string      `json:"mimetype"`
	Structure       JSONObject  `json:"structure"`
	Parameters      JSONObject  `json:"parameters"`
	Management      string      `json:"management"`
	StructureFamily string      `json:"structure_family"`
	Assets          []AssetLink `json:"assets,omitempty"`
}

// AssetSpec describes an asset to record.
type AssetSpec struct {
	DataURI     string  `json:"data_uri"`
	IsDirectory bool    `json:"is_directory"`
	HashType    *string `json:"hash_type,omitempty"`
	HashContent *string `json:"hash_content,omitempty"`
	Size        *int64  `json:"size,omitempty"`
}

// AssetLink is an asset plus the parameter and index it is attached under.
type AssetLink struct {
	AssetSpec
	Parameter string `json:"parameter"`
	Num       *int   `json:"num"`
}
