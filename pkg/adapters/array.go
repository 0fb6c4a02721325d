package adapters

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Float64Mimetype is a flat little-endian float64 buffer in C order.
const Float64Mimetype = "application/x-float64-le"

// DataParameter is the parameter of a single-file array.
const DataParameter = "data_uri"

const float64Size = 8

// Float64Array stores an array as one raw little-endian float64 file. The
// shape lives in the structure.
type Float64Array struct{}

var (
	_ Adapter     = Float64Array{}
	_ Allocator   = Float64Array{}
	_ ArrayWriter = Float64Array{}
)

func (Float64Array) StructureFamily() string { return "array" }
func (Float64Array) Mimetype() string        { return Float64Mimetype }

// Shape reads the "shape" entry of an array structure.
func Shape(structure map[string]any) ([]int64, error) {
	var raw []any
	switch v := structure["shape"].(type) {
	case []any:
		raw = v
	case []int:
		for _, d := range v {
			raw = append(raw, d)
		}
	case []int64:
		for _, d := range v {
			raw = append(raw, d)
		}
	default:
		return nil, fmt.Errorf("%w: structure has no shape", ErrUnsupported)
	}
	shape := make([]int64, len(raw))
	for i, v := range raw {
		var d int64
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%w: invalid shape %v", ErrUnsupported, raw)
			}
			d = int64(n)
		case int:
			d = int64(n)
		case int64:
			d = n
		default:
			return nil, fmt.Errorf("%w: invalid shape %v", ErrUnsupported, raw)
		}
		if d < 0 {
			return nil, fmt.Errorf("%w: invalid shape %v", ErrUnsupported, raw)
		}
		shape[i] = d
	}
	return shape, nil
}

// RowSize returns the number of elements in one step along axis 0.
func RowSize(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}

func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 1
	}
	return shape[0] * RowSize(shape)
}

// Allocate creates a zero-filled data file sized for the structure's shape.
func (Float64Array) Allocate(_ context.Context, dir string, src *Source) error {
	shape, err := Shape(src.Structure)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create array directory: %w", err)
	}
	path := filepath.Join(dir, "data.f64")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create array file: %w", err)
	}
	if err := f.Truncate(elements(shape) * float64Size); err != nil {
		f.Close()
		return fmt.Errorf("size array file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	src.Assets = append(src.Assets, Asset{DataURI: FileURI(path), Parameter: DataParameter})
	return nil
}

// WriteElements writes values starting at element offset.
func (Float64Array) WriteElements(_ context.Context, uri string, offset int64, values []float64) error {
	if offset < 0 {
		return fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}
	path, err := LocalPath(uri)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open array file: %w", err)
	}
	buf := make([]byte, len(values)*float64Size)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*float64Size:], math.Float64bits(v))
	}
	if _, err := f.WriteAt(buf, offset*float64Size); err != nil {
		f.Close()
		return fmt.Errorf("write array file: %w", err)
	}
	return f.Close()
}

// Read returns every element in C order.
func (a Float64Array) Read(_ context.Context, src Source) (any, error) {
	shape, err := Shape(src.Structure)
	if err != nil {
		return nil, err
	}
	return a.readRange(src, 0, elements(shape))
}

// ReadBlock returns the elements of one index along axis 0.
func (a Float64Array) ReadBlock(_ context.Context, src Source, block int) (any, error) {
	shape, err := Shape(src.Structure)
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 || block < 0 || int64(block) >= shape[0] {
		return nil, fmt.Errorf("%w: block %d", ErrOutOfRange, block)
	}
	row := RowSize(shape)
	return a.readRange(src, int64(block)*row, row)
}

func (Float64Array) readRange(src Source, offset, n int64) ([]float64, error) {
	asset, ok := assetAt(src, DataParameter, nil)
	if !ok {
		return nil, fmt.Errorf("%w: array has no %s asset", ErrUnsupported, DataParameter)
	}
	path, err := LocalPath(asset.DataURI)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open array file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n*float64Size)
	if _, err := f.ReadAt(buf, offset*float64Size); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read array file: %w", err)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*float64Size:]))
	}
	return out, nil
}
