package catalog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StructureID returns the content address of a structure: the hex
// blake2b-256 digest of its canonical JSON encoding. encoding/json sorts
// object keys, which makes the encoding canonical.
func StructureID(structure JSONObject) (string, error) {
	b, err := json.Marshal(map[string]any(structure))
	if err != nil {
		return "", fmt.Errorf("encode structure: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// putStructure stores a structure if it is not already present and returns
// its id.
func (c *Catalog) putStructure(tx *gorm.DB, structure JSONObject) (string, error) {
	id, err := StructureID(structure)
	if err != nil {
		return "", err
	}
	rec := structureRecord{ID: id, Structure: structure}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("store structure %s: %w", id, err)
	}
	return id, nil
}

// getStructure loads a structure by id through the cache. Structures are
// immutable, so cached values are shared and must not be modified.
func (c *Catalog) getStructure(tx *gorm.DB, id string) (JSONObject, error) {
	if s, ok := c.structures.Get(id); ok {
		return s, nil
	}
	var rec structureRecord
	if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("get structure %s: %w", id, err)
	}
	c.structures.Set(id, rec.Structure)
	return rec.Structure, nil
}
