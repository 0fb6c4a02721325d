package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/data-catalog/internal/db"
)

func validateDataSource(family string, spec DataSourceSpec) error {
	if spec.Mimetype == "" {
		return fmt.Errorf("%w: data source has no mimetype", ErrUnsupported)
	}
	switch spec.Management {
	case "", ManagementExternal, ManagementWritable:
	default:
		return fmt.Errorf("%w: management %q", ErrUnsupported, spec.Management)
	}
	if spec.StructureFamily != "" && spec.StructureFamily != family {
		return fmt.Errorf("%w: data source family %q does not match node family %q",
			ErrUnsupported, spec.StructureFamily, family)
	}
	for _, link := range spec.Assets {
		if err := validateAsset(link.AssetSpec, link.Parameter, link.Num); err != nil {
			return err
		}
	}
	return nil
}

func validateAsset(spec AssetSpec, parameter string, num *int) error {
	if spec.DataURI == "" {
		return fmt.Errorf("%w: asset has no data_uri", ErrAssetAssociationConflict)
	}
	if parameter == "" {
		return fmt.Errorf("%w: asset has no parameter", ErrAssetAssociationConflict)
	}
	if num != nil && *num < 0 {
		return fmt.Errorf("%w: negative num %d", ErrAssetAssociationConflict, *num)
	}
	return nil
}

// RegisterDataSource records a new data source for the node at path. Its
// structure is stored content-addressed.
func (c *Catalog) RegisterDataSource(ctx context.Context, path string, spec DataSourceSpec) (*DataSource, error) {
	var ds *DataSource
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		node, err := c.resolve(ctx, tx, SplitPath(path))
		if err != nil {
			return err
		}
		if err := validateDataSource(node.StructureFamily, spec); err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionRegister, node); err != nil {
			return err
		}
		ds, err = c.registerDataSource(ctx, tx, node, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (c *Catalog) registerDataSource(ctx context.Context, tx *gorm.DB, node *Node, spec DataSourceSpec) (*DataSource, error) {
	if spec.Management != ManagementExternal && len(spec.Assets) == 0 {
		if err := c.allocate(ctx, &spec, node.StructureFamily); err != nil {
			return nil, err
		}
	}
	ds := &DataSource{
		NodeID:          node.ID,
		Mimetype:        spec.Mimetype,
		Parameters:      orEmpty(spec.Parameters),
		Management:      spec.Management,
		StructureFamily: spec.StructureFamily,
	}
	if ds.Management == "" {
		ds.Management = ManagementWritable
	}
	if ds.StructureFamily == "" {
		ds.StructureFamily = node.StructureFamily
	}
	if spec.Structure != nil {
		id, err := c.putStructure(tx, spec.Structure)
		if err != nil {
			return nil, err
		}
		ds.StructureID = &id
		ds.Structure = spec.Structure
	}
	if err := tx.Create(ds).Error; err != nil {
		return nil, fmt.Errorf("create data source: %w", err)
	}

	for _, link := range spec.Assets {
		if _, err := c.addAsset(tx, ds.ID, link.AssetSpec, link.Parameter, link.Num); err != nil {
			return nil, err
		}
	}
	assets, err := listAssets(tx, ds.ID)
	if err != nil {
		return nil, err
	}
	ds.Assets = assets
	return ds, nil
}

// AddAsset attaches an asset to a data source under parameter. A nil num
// makes the asset the parameter's only value; an integer num makes it one
// element of a numbered sequence. The two forms cannot be mixed for the
// same parameter. Assets are shared by data_uri.
func (c *Catalog) AddAsset(ctx context.Context, dataSourceID int64, spec AssetSpec, parameter string, num *int) (*Asset, error) {
	if err := validateAsset(spec, parameter, num); err != nil {
		return nil, err
	}
	var asset *Asset
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		ds, node, err := c.dataSourceWithNode(ctx, tx, dataSourceID)
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionRegister, node); err != nil {
			return err
		}
		asset, err = c.addAsset(tx, ds.ID, spec, parameter, num)
		return err
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (c *Catalog) addAsset(tx *gorm.DB, dataSourceID int64, spec AssetSpec, parameter string, num *int) (*Asset, error) {
	var existing []association
	if err := tx.Where("data_source_id = ? AND parameter = ?", dataSourceID, parameter).Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	for _, e := range existing {
		switch {
		case num == nil:
			return nil, fmt.Errorf("%w: parameter %q already has assets", ErrAssetAssociationConflict, parameter)
		case e.Num == nil:
			return nil, fmt.Errorf("%w: parameter %q holds a single asset", ErrAssetAssociationConflict, parameter)
		case *e.Num == *num:
			return nil, fmt.Errorf("%w: parameter %q already has num %d", ErrAssetAssociationConflict, parameter, *num)
		}
	}

	asset := Asset{
		DataURI:     spec.DataURI,
		IsDirectory: spec.IsDirectory,
		HashType:    spec.HashType,
		HashContent: spec.HashContent,
		Size:        spec.Size,
		TimeCreated: time.Now().UTC(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&asset).Error; err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	asset = Asset{}
	if err := tx.Where("data_uri = ?", spec.DataURI).First(&asset).Error; err != nil {
		return nil, fmt.Errorf("get asset %s: %w", spec.DataURI, err)
	}

	link := association{DataSourceID: dataSourceID, AssetID: asset.ID, Parameter: parameter, Num: num}
	if err := tx.Create(&link).Error; err != nil {
		if db.IsAssociationTriggerViolation(err) || db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAssetAssociationConflict, err)
		}
		return nil, fmt.Errorf("create association: %w", err)
	}
	return &asset, nil
}

// ListAssets returns the assets of a data source ordered by parameter and
// then num, with a NULL num first.
func (c *Catalog) ListAssets(ctx context.Context, dataSourceID int64) ([]AssetAssociation, error) {
	tx := c.db.DB(ctx)
	_, node, err := c.dataSourceWithNode(ctx, tx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, ActionRead, node); err != nil {
		return nil, err
	}
	return listAssets(tx, dataSourceID)
}

func listAssets(tx *gorm.DB, dataSourceID int64) ([]AssetAssociation, error) {
	var out []AssetAssociation
	err := tx.Raw(
		"SELECT assets.*, a.parameter, a.num FROM data_source_asset_association a "+
			"JOIN assets ON assets.id = a.asset_id "+
			"WHERE a.data_source_id = ? "+
			"ORDER BY a.parameter, CASE WHEN a.num IS NULL THEN 0 ELSE 1 END, a.num",
		dataSourceID,
	).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list assets of data source %d: %w", dataSourceID, err)
	}
	return out, nil
}

// GetDataSource returns a data source with its structure and assets.
func (c *Catalog) GetDataSource(ctx context.Context, id int64) (*DataSource, error) {
	tx := c.db.DB(ctx)
	ds, node, err := c.dataSourceWithNode(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, ActionRead, node); err != nil {
		return nil, err
	}
	if err := c.hydrateDataSource(tx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// UpdateStructure replaces the structure of a data source, storing the new
// structure content-addressed.
func (c *Catalog) UpdateStructure(ctx context.Context, dataSourceID int64, structure JSONObject) (*DataSource, error) {
	var ds *DataSource
	err := c.db.Transact(ctx, func(tx *gorm.DB) error {
		var node *Node
		var err error
		ds, node, err = c.dataSourceWithNode(ctx, tx, dataSourceID)
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, ActionWriteData, node); err != nil {
			return err
		}
		if err := c.updateStructure(tx, ds, structure); err != nil {
			return err
		}
		return c.hydrateDataSource(tx, ds)
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (c *Catalog) updateStructure(tx *gorm.DB, ds *DataSource, structure JSONObject) error {
	id, err := c.putStructure(tx, structure)
	if err != nil {
		return err
	}
	if err := tx.Model(&DataSource{}).Where("id = ?", ds.ID).Update("structure_id", id).Error; err != nil {
		return fmt.Errorf("update structure of data source %d: %w", ds.ID, err)
	}
	if err := tx.Model(&Node{}).Where("id = ?", ds.NodeID).Update("time_updated", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("touch node %d: %w", ds.NodeID, err)
	}
	ds.StructureID = &id
	return nil
}

// dataSourceWithNode loads a data source and resolves its node by path, so
// the policy sees the same ancestors as a lookup by path would.
func (c *Catalog) dataSourceWithNode(ctx context.Context, tx *gorm.DB, id int64) (*DataSource, *Node, error) {
	var ds DataSource
	err := tx.Where("id = ?", id).First(&ds).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, fmt.Errorf("%w: data source %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get data source %d: %w", id, err)
	}
	owner, err := c.nodeByID(tx, ds.NodeID)
	if err != nil {
		return nil, nil, err
	}
	node, err := c.resolve(ctx, tx, SplitPath(owner.Path()))
	if err != nil {
		return nil, nil, err
	}
	return &ds, node, nil
}

func (c *Catalog) hydrateDataSource(tx *gorm.DB, ds *DataSource) error {
	if ds.StructureID != nil {
		s, err := c.getStructure(tx, *ds.StructureID)
		if err != nil {
			return err
		}
		ds.Structure = s
	}
	assets, err := listAssets(tx, ds.ID)
	if err != nil {
		return err
	}
	ds.Assets = assets
	return nil
}
