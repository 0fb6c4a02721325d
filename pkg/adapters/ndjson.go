package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// NDJSONMimetype is newline-delimited JSON, one object per row.
const NDJSONMimetype = "application/x-ndjson"

// PartitionsParameter is the parameter under which partition files are
// attached, numbered from 0.
const PartitionsParameter = "data_uris"

// NDJSONTable stores a table as numbered newline-delimited JSON partitions
// in one directory.
type NDJSONTable struct{}

var (
	_ Adapter         = NDJSONTable{}
	_ Allocator       = NDJSONTable{}
	_ PartitionWriter = NDJSONTable{}
)

func (NDJSONTable) StructureFamily() string { return "table" }
func (NDJSONTable) Mimetype() string        { return NDJSONMimetype }

// Allocate creates the partition directory and records it as the
// "directory" parameter.
func (NDJSONTable) Allocate(_ context.Context, dir string, src *Source) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}
	if src.Parameters == nil {
		src.Parameters = map[string]any{}
	}
	src.Parameters["directory"] = FileURI(dir)
	return nil
}

// PartitionURI returns the file URI of a partition.
func (NDJSONTable) PartitionURI(src Source, partition int) (string, error) {
	if partition < 0 {
		return "", fmt.Errorf("%w: partition %d", ErrOutOfRange, partition)
	}
	if a, ok := assetAt(src, PartitionsParameter, &partition); ok {
		return a.DataURI, nil
	}
	dirURI, _ := src.Parameters["directory"].(string)
	if dirURI == "" {
		return "", fmt.Errorf("%w: table has no directory parameter", ErrUnsupported)
	}
	dir, err := LocalPath(dirURI)
	if err != nil {
		return "", err
	}
	return FileURI(filepath.Join(dir, fmt.Sprintf("partition-%d.ndjson", partition))), nil
}

// WritePartition appends rows to a partition file, creating it if needed.
func (NDJSONTable) WritePartition(_ context.Context, uri string, rows []map[string]any) error {
	path, err := LocalPath(uri)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write partition: %w", err)
	}
	return f.Close()
}

// Read returns every row of every partition in partition order.
func (t NDJSONTable) Read(ctx context.Context, src Source) (any, error) {
	var parts []Asset
	for _, a := range src.Assets {
		if a.Parameter == PartitionsParameter && a.Num != nil {
			parts = append(parts, a)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return *parts[i].Num < *parts[j].Num })

	rows := []map[string]any{}
	for _, a := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := readRows(a.DataURI)
		if err != nil {
			return nil, err
		}
		rows = append(rows, got...)
	}
	return rows, nil
}

// ReadBlock returns the rows of one partition.
func (NDJSONTable) ReadBlock(_ context.Context, src Source, block int) (any, error) {
	a, ok := assetAt(src, PartitionsParameter, &block)
	if !ok {
		return nil, fmt.Errorf("%w: partition %d", ErrOutOfRange, block)
	}
	return readRows(a.DataURI)
}

func readRows(uri string) ([]map[string]any, error) {
	path, err := LocalPath(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	rows := []map[string]any{}
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode partition %s: %w", uri, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
