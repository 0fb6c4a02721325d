package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/pkg/adapters"
)

func toSource(ds *DataSource) adapters.Source {
	src := adapters.Source{
		StructureFamily: ds.StructureFamily,
		Mimetype:        ds.Mimetype,
		Structure:       ds.Structure,
		Parameters:      ds.Parameters,
	}
	for _, a := range ds.Assets {
		src.Assets = append(src.Assets, adapters.Asset{DataURI: a.DataURI, Parameter: a.Parameter, Num: a.Num})
	}
	return src
}

// adapterError maps adapter failures onto catalog errors.
func adapterError(err error) error {
	switch {
	case errors.Is(err, adapters.ErrUnsupported):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	case errors.Is(err, adapters.ErrOutOfRange):
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return err
}

// allocate prepares storage for a writable data source registered without
// assets. Formats whose adapter cannot allocate are registered as given.
func (c *Catalog) allocate(ctx context.Context, spec *DataSourceSpec, family string) error {
	a, err := c.adapters.Lookup(family, spec.Mimetype)
	if err != nil {
		return nil
	}
	alloc, ok := a.(adapters.Allocator)
	if !ok {
		return nil
	}
	src := adapters.Source{
		StructureFamily: family,
		Mimetype:        spec.Mimetype,
		Structure:       spec.Structure,
		Parameters:      map[string]any(spec.Parameters.Clone()),
	}
	dir := filepath.Join(c.cfg.StorageRoot, uuid.NewString())
	if err := alloc.Allocate(ctx, dir, &src); err != nil {
		return adapterError(err)
	}
	spec.Parameters = src.Parameters
	for _, a := range src.Assets {
		spec.Assets = append(spec.Assets, AssetLink{
			AssetSpec: AssetSpec{DataURI: a.DataURI},
			Parameter: a.Parameter,
			Num:       a.Num,
		})
	}
	c.logger.Debug("allocated writable storage", "dir", dir, "mimetype", spec.Mimetype)
	return nil
}

// writableSource resolves the node at path and returns its first data
// source after checking that it is writable by adapter family.
func (c *Catalog) writableSource(ctx context.Context, tx *gorm.DB, path, family string) (*Node, *DataSource, adapters.Adapter, error) {
	node, err := c.resolve(ctx, tx, SplitPath(path))
	if err != nil {
		return nil, nil, nil, err
	}
	if node.StructureFamily != family {
		return nil, nil, nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrUnsupported, displayPath(node), node.StructureFamily, family)
	}
	if err := c.authorize(ctx, ActionWriteData, node); err != nil {
		return nil, nil, nil, err
	}
	if err := c.loadDataSources(tx, []*Node{node}); err != nil {
		return nil, nil, nil, err
	}
	if len(node.DataSources) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: %s has no data source", ErrNotWritable, displayPath(node))
	}
	ds := node.DataSources[0]
	if ds.Management != ManagementWritable {
		return nil, nil, nil, fmt.Errorf("%w: %s is %s", ErrNotWritable, displayPath(node), ds.Management)
	}
	a, err := c.adapters.Lookup(ds.StructureFamily, ds.Mimetype)
	if err != nil {
		return nil, nil, nil, adapterError(err)
	}
	return node, ds, a, nil
}

// AppendPartition appends rows to one partition of a writable table. A new
// partition is attached as the next numbered asset and the structure's
// partition count and columns are updated.
func (c *Catalog) AppendPartition(ctx context.Context, path string, partition int, rows []map[string]any) (*DataSource, error) {
	if partition < 0 {
		return nil, fmt.Errorf("%w: partition %d", ErrInvalidPatch, partition)
	}
	var out *DataSource
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		_, ds, a, err := c.writableSource(ctx, tx, path, FamilyTable)
		if err != nil {
			return err
		}
		w, ok := a.(adapters.PartitionWriter)
		if !ok {
			return fmt.Errorf("%w: %s cannot append partitions", ErrUnsupported, ds.Mimetype)
		}
		src := toSource(ds)
		uri, err := w.PartitionURI(src, partition)
		if err != nil {
			return adapterError(err)
		}

		known := false
		for _, asset := range ds.Assets {
			if asset.Parameter == adapters.PartitionsParameter && asset.Num != nil && *asset.Num == partition {
				known = true
			}
		}
		if !known {
			num := partition
			if _, err := c.addAsset(tx, ds.ID, AssetSpec{DataURI: uri}, adapters.PartitionsParameter, &num); err != nil {
				return err
			}
		}
		if err := w.WritePartition(ctx, uri, rows); err != nil {
			return adapterError(err)
		}

		structure := ds.Structure.Clone()
		npartitions, _ := structure["npartitions"].(float64)
		structure["npartitions"] = max(npartitions, float64(partition+1))
		structure["columns"] = mergeColumns(structure["columns"], rows)
		if err := c.updateStructure(tx, ds, structure); err != nil {
			return err
		}
		if err := c.hydrateDataSource(tx, ds); err != nil {
			return err
		}
		out = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mergeColumns(existing any, rows []map[string]any) []any {
	seen := map[string]bool{}
	if cols, ok := existing.([]any); ok {
		for _, col := range cols {
			if s, ok := col.(string); ok {
				seen[s] = true
			}
		}
	}
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// PatchArray writes values into a writable array starting at index offset
// along axis 0. Writes past the end fail unless extend is set, in which
// case the shape grows and the new structure is recorded.
func (c *Catalog) PatchArray(ctx context.Context, path string, offset int64, extend bool, values []float64) (*DataSource, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset %d", ErrInvalidPatch, offset)
	}
	var out *DataSource
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		_, ds, a, err := c.writableSource(ctx, tx, path, FamilyArray)
		if err != nil {
			return err
		}
		w, ok := a.(adapters.ArrayWriter)
		if !ok {
			return fmt.Errorf("%w: %s cannot be patched", ErrUnsupported, ds.Mimetype)
		}
		shape, err := adapters.Shape(ds.Structure)
		if err != nil {
			return adapterError(err)
		}
		if len(shape) == 0 {
			return fmt.Errorf("%w: cannot patch a scalar", ErrInvalidPatch)
		}
		row := adapters.RowSize(shape)
		if row == 0 || int64(len(values))%row != 0 {
			return fmt.Errorf("%w: %d values do not fill whole rows of %d", ErrInvalidPatch, len(values), row)
		}
		end := offset + int64(len(values))/row
		if end > shape[0] && !extend {
			return fmt.Errorf("%w: rows %d..%d exceed shape %v; set extend", ErrInvalidPatch, offset, end, shape)
		}

		var uri string
		for _, asset := range ds.Assets {
			if asset.Parameter == adapters.DataParameter && asset.Num == nil {
				uri = asset.DataURI
			}
		}
		if uri == "" {
			return fmt.Errorf("%w: array has no %s asset", ErrNotWritable, adapters.DataParameter)
		}
		if err := w.WriteElements(ctx, uri, offset*row, values); err != nil {
			return adapterError(err)
		}

		if end > shape[0] {
			structure := ds.Structure.Clone()
			dims := make([]any, len(shape))
			for i, d := range shape {
				dims[i] = d
			}
			dims[0] = end
			structure["shape"] = dims
			if err := c.updateStructure(tx, ds, structure); err != nil {
				return err
			}
			c.logger.Info("array extended", "path", path, "rows", end)
		}
		if err := c.hydrateDataSource(tx, ds); err != nil {
			return err
		}
		out = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadData reads the data behind the node at path through its adapter.
// A nil block reads everything.
func (c *Catalog) ReadData(ctx context.Context, path string, block *int) (any, error) {
	node, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(node.DataSources) == 0 {
		return nil, fmt.Errorf("%w: %s has no data", ErrUnsupported, displayPath(node))
	}
	ds := node.DataSources[0]
	a, err := c.adapters.Lookup(ds.StructureFamily, ds.Mimetype)
	if err != nil {
		return nil, adapterError(err)
	}
	var data any
	if block == nil {
		data, err = a.Read(ctx, toSource(ds))
	} else {
		data, err = a.ReadBlock(ctx, toSource(ds), *block)
	}
	if err != nil {
		return nil, adapterError(err)
	}
	return data, nil
}
