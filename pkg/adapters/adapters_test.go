package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"array " + Float64Mimetype, "table " + NDJSONMimetype}, r.Formats())

	a, err := r.Lookup("table", NDJSONMimetype)
	require.NoError(t, err)
	assert.IsType(t, NDJSONTable{}, a)

	_, err = r.Lookup("table", "text/csv")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.Error(t, r.Register(Float64Array{}))
	_, err = NewRegistry(NDJSONTable{}, NDJSONTable{})
	assert.Error(t, err)
}

func TestFileURIRoundTrip(t *testing.T) {
	dir := t.TempDir()
	uri := FileURI(filepath.Join(dir, "x.ndjson"))
	assert.Contains(t, uri, "file://")

	path, err := LocalPath(uri)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x.ndjson"), path)

	_, err = LocalPath("s3://bucket/key")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNDJSONTable(t *testing.T) {
	ctx := context.Background()
	var table NDJSONTable
	src := &Source{StructureFamily: "table", Mimetype: NDJSONMimetype}
	require.NoError(t, table.Allocate(ctx, filepath.Join(t.TempDir(), "t"), src))
	require.Contains(t, src.Parameters, "directory")

	var uris []string
	for p, rows := range [][]map[string]any{
		{{"a": 1.0}, {"a": 2.0}},
		{{"a": 3.0}},
	} {
		uri, err := table.PartitionURI(*src, p)
		require.NoError(t, err)
		require.NoError(t, table.WritePartition(ctx, uri, rows))
		src.Assets = append(src.Assets, Asset{DataURI: uri, Parameter: PartitionsParameter, Num: &p})
		uris = append(uris, uri)
	}

	// Attached partitions resolve to their recorded asset.
	uri, err := table.PartitionURI(*src, 1)
	require.NoError(t, err)
	assert.Equal(t, uris[1], uri)
	_, err = table.PartitionURI(*src, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	all, err := table.Read(ctx, *src)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"a": 1.0}, {"a": 2.0}, {"a": 3.0}}, all)

	block, err := table.ReadBlock(ctx, *src, 1)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"a": 3.0}}, block)

	_, err = table.ReadBlock(ctx, *src, 7)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestNDJSONTable_PartitionURINeedsDirectory(t *testing.T) {
	_, err := NDJSONTable{}.PartitionURI(Source{}, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestShape(t *testing.T) {
	tests := []struct {
		name      string
		structure map[string]any
		want      []int64
		wantErr   bool
	}{
		{"decoded json", map[string]any{"shape": []any{3.0, 2.0}}, []int64{3, 2}, false},
		{"ints", map[string]any{"shape": []int{4}}, []int64{4}, false},
		{"int64s", map[string]any{"shape": []int64{1, 1}}, []int64{1, 1}, false},
		{"missing", map[string]any{}, nil, true},
		{"fraction", map[string]any{"shape": []any{1.5}}, nil, true},
		{"negative", map[string]any{"shape": []any{-1.0}}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Shape(tt.structure)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFloat64Array(t *testing.T) {
	ctx := context.Background()
	var array Float64Array
	src := &Source{StructureFamily: "array", Mimetype: Float64Mimetype, Structure: map[string]any{"shape": []any{2.0, 3.0}}}
	require.NoError(t, array.Allocate(ctx, filepath.Join(t.TempDir(), "a"), src))
	require.Len(t, src.Assets, 1)
	uri := src.Assets[0].DataURI

	path, err := LocalPath(uri)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 6*8, info.Size())

	require.NoError(t, array.WriteElements(ctx, uri, 3, []float64{1, 2, 3}))
	all, err := array.Read(ctx, *src)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 1, 2, 3}, all)

	row, err := array.ReadBlock(ctx, *src, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, row)
	_, err = array.ReadBlock(ctx, *src, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// Writing past the end grows the file; the extended shape exposes it.
	require.NoError(t, array.WriteElements(ctx, uri, 6, []float64{4, 5, 6}))
	src.Structure = map[string]any{"shape": []any{3.0, 3.0}}
	row, err = array.ReadBlock(ctx, *src, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, row)

	assert.ErrorIs(t, array.WriteElements(ctx, uri, -1, []float64{1}), ErrOutOfRange)
}
