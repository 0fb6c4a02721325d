package catalog

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
)

// inChunk bounds the number of ids bound into one IN list.
const inChunk = 500

// subtree returns the ids of id and all of its descendants.
func subtree(tx *gorm.DB, id int64) (mapset.Set[int64], error) {
	var ids []int64
	if err := tx.Model(&closureEdge{}).Where("ancestor = ?", id).Pluck("descendant", &ids).Error; err != nil {
		return nil, fmt.Errorf("load subtree of node %d: %w", id, err)
	}
	return mapset.NewThreadUnsafeSet(ids...), nil
}

// properAncestors returns the ids of every ancestor of id, excluding id.
func properAncestors(tx *gorm.DB, id int64) (mapset.Set[int64], error) {
	var ids []int64
	err := tx.Model(&closureEdge{}).Where("descendant = ? AND depth > 0", id).Pluck("ancestor", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load ancestors of node %d: %w", id, err)
	}
	return mapset.NewThreadUnsafeSet(ids...), nil
}

// chunks splits a set into IN-list sized slices.
func chunks(set mapset.Set[int64]) [][]int64 {
	all := set.ToSlice()
	var out [][]int64
	for len(all) > 0 {
		n := min(len(all), inChunk)
		out = append(out, all[:n])
		all = all[n:]
	}
	return out
}

// pluckIn runs a Pluck over ids in chunks and unions the results.
func pluckIn(tx *gorm.DB, model any, where, column string, ids mapset.Set[int64]) (mapset.Set[int64], error) {
	out := mapset.NewThreadUnsafeSet[int64]()
	for _, chunk := range chunks(ids) {
		var got []int64
		if err := tx.Model(model).Where(where, chunk).Pluck(column, &got).Error; err != nil {
			return nil, err
		}
		out.Append(got...)
	}
	return out, nil
}

// deleteIn deletes rows of model matching where over ids in chunks and
// returns the number of rows removed.
func deleteIn(tx *gorm.DB, model any, where string, ids mapset.Set[int64]) (int64, error) {
	var total int64
	for _, chunk := range chunks(ids) {
		res := tx.Where(where, chunk).Delete(model)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}
