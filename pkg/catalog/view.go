package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

// Tree is a searchable, paginated collection of nodes.
type Tree interface {
	Get(ctx context.Context, key string) (*Node, error)
	List(ctx context.Context, req PageRequest) (*Page, error)
	Search(q query.Query) *View
	Metadata() JSONObject
}

var _ Tree = (*View)(nil)

// SortKey orders a listing by a column (key, id, time_created,
// time_updated, structure_family) or by a metadata path.
type SortKey struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// ParseSort parses a comma-separated sort expression such as "-color,key".
// A leading '-' sorts descending.
func ParseSort(s string) ([]SortKey, error) {
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k := SortKey{Field: part}
		if strings.HasPrefix(part, "-") {
			k = SortKey{Field: part[1:], Descending: true}
		}
		if k.Field == "" {
			return nil, fmt.Errorf("%w: empty sort field", ErrInvalidQuery)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// PageRequest selects a page of a listing. A negative Offset counts from
// the end. Only a Stride of 0 or 1 is supported.
type PageRequest struct {
	Offset     int
	Limit      int
	Sort       []SortKey
	Stride     int
	ExactCount bool
}

// Page is one page of a listing. Count is exact when CountExact is set and
// a lower bound otherwise. Next, Prev, First and Last are page offsets.
type Page struct {
	Items      []*Node `json:"items"`
	Count      int64   `json:"count"`
	CountExact bool    `json:"count_exact"`
	Offset     int     `json:"offset"`
	Limit      int     `json:"limit"`
	Next       *int    `json:"next,omitempty"`
	Prev       *int    `json:"prev,omitempty"`
	First      *int    `json:"first,omitempty"`
	Last       *int    `json:"last,omitempty"`
}

// DistinctValue is one value of a field and, when requested, the number of
// nodes carrying it.
type DistinctValue struct {
	Value any    `json:"value"`
	Count *int64 `json:"count,omitempty"`
}

// View is an immutable, searchable view over the children of one
// container node. Queries added by the access policy cannot be removed.
type View struct {
	cat           *Catalog
	node          *Node
	policyQueries []query.Query
	queries       []query.Query
}

// View opens a view over the children of the node at path.
func (c *Catalog) View(ctx context.Context, path string) (*View, error) {
	node, err := c.resolve(ctx, c.db.DB(ctx), SplitPath(path))
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, ActionRead, node); err != nil {
		return nil, err
	}
	if err := c.visible(ctx, node); err != nil {
		return nil, err
	}
	extra, err := c.policy.ModifyQueries(ctx, node, identityFrom(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return &View{cat: c, node: node, policyQueries: extra}, nil
}

// Node returns the container the view lists.
func (v *View) Node() *Node { return v.node }

// Metadata returns the container's metadata.
func (v *View) Metadata() JSONObject { return v.node.Metadata }

// Queries returns the queries applied by Search, excluding policy queries.
func (v *View) Queries() []query.Query {
	return append([]query.Query{}, v.queries...)
}

// Search returns a new view narrowed by q. The receiver is unchanged.
func (v *View) Search(q query.Query) *View {
	out := *v
	out.queries = append(append(make([]query.Query, 0, len(v.queries)+1), v.queries...), q)
	return &out
}

func (v *View) childAncestors() []string {
	if v.node.IsRoot() {
		return []string{}
	}
	return append(append([]string{}, v.node.Ancestors...), v.node.Key)
}

// base returns the filtered children query.
func (v *View) base(tx *gorm.DB) (*gorm.DB, error) {
	q := tx.Model(&Node{}).Where("nodes.parent = ?", v.node.ID)
	for _, group := range [][]query.Query{v.policyQueries, v.queries} {
		for _, item := range group {
			clause, err := v.cat.dialect.Lower(item)
			if err != nil {
				return nil, err
			}
			q = q.Where(clause.SQL, clause.Args...)
		}
	}
	return q, nil
}

func (v *View) orderBy(keys []SortKey) ([]string, error) {
	d := v.cat.dialect
	var out []string
	for _, k := range keys {
		var expr string
		switch k.Field {
		case "key":
			expr = d.KeyColumn()
		case "id", "time_created", "time_updated", "structure_family":
			expr = "nodes." + k.Field
		default:
			e, err := d.SortExpr(k.Field)
			if err != nil {
				return nil, err
			}
			expr = e
		}
		if k.Descending {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		out = append(out, expr)
	}
	return append(out, "nodes.id ASC"), nil
}

func order(q *gorm.DB, exprs []string) *gorm.DB {
	for _, e := range exprs {
		q = q.Order(e)
	}
	return q
}

// Get returns the child named key if it matches the view's queries.
func (v *View) Get(ctx context.Context, key string) (*Node, error) {
	tx := v.cat.db.DB(ctx)
	q, err := v.base(tx)
	if err != nil {
		return nil, err
	}
	var node Node
	err = q.Where(v.cat.dialect.KeyColumn()+" = ?", key).First(&node).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, joinPath(v.node.Path(), key))
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	node.Ancestors = v.childAncestors()
	if err := v.cat.authorize(ctx, ActionRead, &node); err != nil {
		return nil, err
	}
	if err := v.cat.visible(ctx, &node); err != nil {
		return nil, err
	}
	if err := v.cat.loadDataSources(tx, []*Node{&node}); err != nil {
		return nil, err
	}
	return &node, nil
}

// List returns one page of the view.
func (v *View) List(ctx context.Context, req PageRequest) (*Page, error) {
	if req.Stride != 0 && req.Stride != 1 {
		return nil, fmt.Errorf("%w: stride %d", ErrUnsupported, req.Stride)
	}
	cfg := v.cat.cfg
	limit := req.Limit
	if limit <= 0 {
		limit = cfg.DefaultPageLimit
	}
	limit = min(limit, cfg.MaxPageLimit)

	orderExprs, err := v.orderBy(req.Sort)
	if err != nil {
		return nil, err
	}
	if _, err := v.base(v.cat.db.DB(ctx)); err != nil {
		return nil, err
	}

	var page *Page
	err = v.cat.db.ReadSnapshot(ctx, func(tx *gorm.DB) error {
		var err error
		if postFilters(v.cat.policy) {
			page, err = v.listFiltered(ctx, tx, req, limit, orderExprs)
		} else {
			page, err = v.listDirect(ctx, tx, req, limit, orderExprs)
		}
		if err != nil {
			return err
		}
		return v.cat.loadDataSources(tx, page.Items)
	})
	if err != nil {
		return nil, err
	}
	page.links()
	return page, nil
}

func (v *View) listDirect(ctx context.Context, tx *gorm.DB, req PageRequest, limit int, orderExprs []string) (*Page, error) {
	page := &Page{Limit: limit}
	var err error
	if req.ExactCount || req.Offset < 0 {
		page.Count, err = v.exactCount(tx)
		page.CountExact = true
	} else {
		page.Count, page.CountExact, err = v.boundedCount(tx)
	}
	if err != nil {
		return nil, err
	}
	page.Offset = normalizeOffset(req.Offset, page.Count)

	q, _ := v.base(tx)
	var nodes []*Node
	if err := order(q, orderExprs).Offset(page.Offset).Limit(limit).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list children of %s: %w", displayPath(v.node), err)
	}
	ancestors := v.childAncestors()
	for _, n := range nodes {
		n.Ancestors = ancestors
	}
	nodes, err = v.cat.policy.FilterResults(ctx, nodes, identityFrom(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	page.Items = nonNil(nodes)
	return page, nil
}

// listFiltered pages through the post-filtered sequence by scanning SQL
// results in batches.
func (v *View) listFiltered(ctx context.Context, tx *gorm.DB, req PageRequest, limit int, orderExprs []string) (*Page, error) {
	page := &Page{Limit: limit}
	needCount := req.ExactCount || req.Offset < 0

	offset := req.Offset
	if offset < 0 {
		total, _, err := v.scan(ctx, tx, orderExprs, func([]*Node) bool { return true })
		if err != nil {
			return nil, err
		}
		offset = normalizeOffset(offset, total)
	}
	page.Offset = offset

	skipped := 0
	seen, exhausted, err := v.scan(ctx, tx, orderExprs, func(batch []*Node) bool {
		for _, n := range batch {
			if skipped < offset {
				skipped++
				continue
			}
			if len(page.Items) < limit {
				page.Items = append(page.Items, n)
			}
		}
		return needCount || len(page.Items) < limit
	})
	if err != nil {
		return nil, err
	}
	page.Items = nonNil(page.Items)

	// A scan that stopped early only knows a lower bound.
	page.Count, page.CountExact = seen, exhausted
	return page, nil
}

// scan feeds policy-filtered batches to fn until fn returns false or the
// rows run out. It returns the number of visible nodes fed and whether
// every row was read.
func (v *View) scan(ctx context.Context, tx *gorm.DB, orderExprs []string, fn func([]*Node) bool) (int64, bool, error) {
	batchSize := max(v.cat.cfg.ScanBatchSize, 1)
	ancestors := v.childAncestors()
	id := identityFrom(ctx)
	var visible int64
	for pos := 0; ; pos += batchSize {
		q, err := v.base(tx)
		if err != nil {
			return 0, false, err
		}
		var batch []*Node
		if err := order(q, orderExprs).Offset(pos).Limit(batchSize).Find(&batch).Error; err != nil {
			return 0, false, fmt.Errorf("scan children of %s: %w", displayPath(v.node), err)
		}
		for _, n := range batch {
			n.Ancestors = ancestors
		}
		kept, err := v.cat.policy.FilterResults(ctx, batch, id)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
		}
		visible += int64(len(kept))
		if len(batch) < batchSize {
			fn(kept)
			return visible, true, nil
		}
		if !fn(kept) {
			return visible, false, nil
		}
	}
}

func (v *View) exactCount(tx *gorm.DB) (int64, error) {
	q, err := v.base(tx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count children of %s: %w", displayPath(v.node), err)
	}
	return n, nil
}

// boundedCount counts at most EstimateThreshold rows. A larger result set
// is reported as the threshold with exact set to false.
func (v *View) boundedCount(tx *gorm.DB) (int64, bool, error) {
	q, err := v.base(tx)
	if err != nil {
		return 0, false, err
	}
	threshold := int64(v.cat.cfg.EstimateThreshold)
	var n int64
	sub := q.Select("nodes.id").Limit(int(threshold) + 1)
	if err := tx.Table("(?) AS bounded", sub).Count(&n).Error; err != nil {
		return 0, false, fmt.Errorf("count children of %s: %w", displayPath(v.node), err)
	}
	if n > threshold {
		return threshold, false, nil
	}
	return n, true, nil
}

func normalizeOffset(offset int, count int64) int {
	if offset >= 0 {
		return offset
	}
	return max(0, int(count)+offset)
}

func (p *Page) links() {
	first := 0
	p.First = &first
	if p.Offset > 0 {
		prev := max(0, p.Offset-p.Limit)
		p.Prev = &prev
	}
	end := p.Offset + len(p.Items)
	if (p.CountExact && int64(end) < p.Count) || (!p.CountExact && len(p.Items) == p.Limit) {
		next := p.Offset + p.Limit
		p.Next = &next
	}
	if p.CountExact && p.Limit > 0 {
		last := 0
		if p.Count > 0 {
			last = int((p.Count-1)/int64(p.Limit)) * p.Limit
		}
		p.Last = &last
	}
}

func nonNil(nodes []*Node) []*Node {
	if nodes == nil {
		return []*Node{}
	}
	return nodes
}

// Distinct returns the distinct values of each field among the view's
// nodes. Fields are metadata paths, "structure_family" or "specs".
func (v *View) Distinct(ctx context.Context, fields []string, counts bool) (map[string][]DistinctValue, error) {
	tx := v.cat.db.DB(ctx)
	out := make(map[string][]DistinctValue, len(fields))
	if postFilters(v.cat.policy) {
		return v.distinctScan(ctx, tx, fields, counts)
	}
	for _, field := range fields {
		values, err := v.distinctSQL(tx, field, counts)
		if err != nil {
			return nil, err
		}
		out[field] = values
	}
	return out, nil
}

func (v *View) distinctExpr(field string) (string, bool, error) {
	switch field {
	case "structure_family":
		return "nodes.structure_family", false, nil
	case "specs":
		return "nodes.specs", true, nil
	}
	expr, err := v.cat.dialect.DistinctExpr(field)
	return expr, true, err
}

func (v *View) distinctSQL(tx *gorm.DB, field string, counts bool) ([]DistinctValue, error) {
	expr, isJSON, err := v.distinctExpr(field)
	if err != nil {
		return nil, err
	}
	q, err := v.base(tx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Value *string
		Count int64
	}
	err = q.Select(expr + " AS value, COUNT(*) AS count").Group(expr).Order(expr).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", field, err)
	}

	values := make([]DistinctValue, 0, len(rows))
	for _, r := range rows {
		if r.Value == nil {
			continue
		}
		var value any = *r.Value
		if isJSON {
			if err := json.Unmarshal([]byte(*r.Value), &value); err != nil {
				return nil, fmt.Errorf("decode distinct %s value: %w", field, err)
			}
		}
		dv := DistinctValue{Value: value}
		if counts {
			n := r.Count
			dv.Count = &n
		}
		values = append(values, dv)
	}
	return values, nil
}

// distinctScan computes distinct values in memory over the post-filtered
// nodes.
func (v *View) distinctScan(ctx context.Context, tx *gorm.DB, fields []string, counts bool) (map[string][]DistinctValue, error) {
	for _, field := range fields {
		if _, _, err := v.distinctExpr(field); err != nil {
			return nil, err
		}
	}
	type bucket struct {
		value any
		count int64
	}
	buckets := make(map[string]map[string]*bucket, len(fields))
	for _, f := range fields {
		buckets[f] = map[string]*bucket{}
	}

	orderExprs, _ := v.orderBy(nil)
	_, _, err := v.scan(ctx, tx, orderExprs, func(batch []*Node) bool {
		for _, n := range batch {
			for _, f := range fields {
				var value any
				switch f {
				case "structure_family":
					value = n.StructureFamily
				case "specs":
					value = n.Specs
				default:
					var ok bool
					if value, ok = n.Metadata.Lookup(f); !ok {
						continue
					}
				}
				key, _ := json.Marshal(value)
				b := buckets[f][string(key)]
				if b == nil {
					b = &bucket{value: value}
					buckets[f][string(key)] = b
				}
				b.count++
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]DistinctValue, len(fields))
	for _, f := range fields {
		keys := make([]string, 0, len(buckets[f]))
		for k := range buckets[f] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]DistinctValue, 0, len(keys))
		for _, k := range keys {
			b := buckets[f][k]
			dv := DistinctValue{Value: b.value}
			if counts {
				n := b.count
				dv.Count = &n
			}
			values = append(values, dv)
		}
		out[f] = values
	}
	return out, nil
}
