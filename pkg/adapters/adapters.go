// Package adapters reads and writes the bytes behind catalog data sources.
// Adapters are looked up by structure family and mimetype; the catalog
// only records where data lives and never interprets it.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
)

var (
	// ErrUnsupported is returned when no adapter handles a format or an
	// adapter lacks the requested capability.
	ErrUnsupported = errors.New("unsupported data format")

	// ErrOutOfRange is returned for blocks or offsets outside the data.
	ErrOutOfRange = errors.New("out of range")
)

// Source describes a stored data source.
type Source struct {
	StructureFamily string
	Mimetype        string
	Structure       map[string]any
	Parameters      map[string]any
	Assets          []Asset
}

// Asset is one file attached to a source.
type Asset struct {
	DataURI   string
	Parameter string
	Num       *int
}

// Adapter reads one (structure family, mimetype) format.
type Adapter interface {
	StructureFamily() string
	Mimetype() string

	// Read returns the whole content in a JSON-encodable form.
	Read(ctx context.Context, src Source) (any, error)

	// ReadBlock returns one block: a partition of a table or a row of an
	// array.
	ReadBlock(ctx context.Context, src Source, block int) (any, error)
}

// Allocator prepares storage under dir for a new writable source, recording
// the parameters and assets it created in src.
type Allocator interface {
	Allocate(ctx context.Context, dir string, src *Source) error
}

// PartitionWriter appends rows to numbered partitions of a table.
type PartitionWriter interface {
	PartitionURI(src Source, partition int) (string, error)
	WritePartition(ctx context.Context, uri string, rows []map[string]any) error
}

// ArrayWriter writes float64 elements in place, growing the file as needed.
type ArrayWriter interface {
	WriteElements(ctx context.Context, uri string, offset int64, values []float64) error
}

type formatKey struct {
	family   string
	mimetype string
}

// Registry maps formats to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[formatKey]Adapter
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[formatKey]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a registry with the built-in ndjson table and float64
// array adapters.
func Default() *Registry {
	r, _ := NewRegistry(NDJSONTable{}, Float64Array{})
	return r
}

// Register adds an adapter. A format can be registered once.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := formatKey{a.StructureFamily(), a.Mimetype()}
	if _, ok := r.adapters[k]; ok {
		return fmt.Errorf("adapter for %s %s already registered", k.family, k.mimetype)
	}
	r.adapters[k] = a
	return nil
}

// Lookup returns the adapter for a format.
func (r *Registry) Lookup(family, mimetype string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[formatKey{family, mimetype}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupported, family, mimetype)
	}
	return a, nil
}

// Formats lists registered formats as "family/mimetype" strings.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k.family+" "+k.mimetype)
	}
	sort.Strings(out)
	return out
}

// FileURI returns the file:// URI of a local path.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// LocalPath returns the local path of a file:// URI.
func LocalPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse data uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: data uri scheme %q", ErrUnsupported, u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

// assetAt returns the asset attached under parameter with the given num.
func assetAt(src Source, parameter string, num *int) (Asset, bool) {
	for _, a := range src.Assets {
		if a.Parameter != parameter {
			continue
		}
		if num == nil && a.Num == nil || num != nil && a.Num != nil && *num == *a.Num {
			return a, true
		}
	}
	return Asset{}, false
}
