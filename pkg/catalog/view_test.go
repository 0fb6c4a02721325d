package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

func seedColors(t *testing.T, c *Catalog) {
	t.Helper()
	mustCreate(t, c, "", "red1", FamilyArray, JSONObject{"color": "red", "n": 1, "tags": []any{"a", "b"}})
	mustCreate(t, c, "", "blue1", FamilyArray, JSONObject{"color": "blue", "n": 2, "tags": []any{"b"}}, Spec{Name: "Raw"})
	mustCreate(t, c, "", "blue2", FamilyTable, JSONObject{"color": "blue", "n": 3, "title": "Sample run"})
	mustCreate(t, c, "", "plain", FamilyContainer, JSONObject{"n": 4})
}

func searchKeys(t *testing.T, c *Catalog, qs ...query.Query) []string {
	t.Helper()
	v, err := c.View(context.Background(), "")
	require.NoError(t, err)
	for _, q := range qs {
		v = v.Search(q)
	}
	page, err := v.List(context.Background(), PageRequest{ExactCount: true})
	require.NoError(t, err)
	return keysOf(page.Items)
}

func TestSearch(t *testing.T) {
	c := setupTestCatalog(t)
	seedColors(t, c)

	tests := []struct {
		name string
		qs   []query.Query
		want []string
	}{
		{"eq", []query.Query{query.Comparison{Field: "color", Op: query.Eq, Value: "blue"}}, []string{"blue1", "blue2"}},
		{"gt", []query.Query{query.Comparison{Field: "n", Op: query.Gt, Value: 2}}, []string{"blue2", "plain"}},
		{"type mismatch never matches", []query.Query{query.Comparison{Field: "n", Op: query.Eq, Value: "2"}}, []string{}},
		{"chained searches AND", []query.Query{
			query.Comparison{Field: "color", Op: query.Eq, Value: "blue"},
			query.Comparison{Field: "n", Op: query.Le, Value: 2},
		}, []string{"blue1"}},
		{"in", []query.Query{query.In{Field: "color", Values: []any{"red", "green"}}}, []string{"red1"}},
		{"in empty", []query.Query{query.In{Field: "category", Values: []any{}}}, []string{}},
		{"not in empty", []query.Query{query.NotIn{Field: "color", Values: nil}}, []string{"red1", "blue1", "blue2", "plain"}},
		{"not in keeps missing", []query.Query{query.NotIn{Field: "color", Values: []any{"blue"}}}, []string{"red1", "plain"}},
		{"full text", []query.Query{query.FullText{Text: "SAMPLE"}}, []string{"blue2"}},
		{"contains", []query.Query{query.Contains{Field: "tags", Value: "b"}}, []string{"red1", "blue1"}},
		{"like", []query.Query{query.Like{Field: "title", Pattern: "Sample%"}}, []string{"blue2"}},
		{"key present", []query.Query{query.KeyPresent{Field: "color", Exists: false}}, []string{"plain"}},
		{"family", []query.Query{query.StructureFamily{Value: FamilyTable}}, []string{"blue2"}},
		{"specs include", []query.Query{query.SpecsQuery{Include: []string{"Raw"}}}, []string{"blue1"}},
		{"specs exclude", []query.Query{query.SpecsQuery{Exclude: []string{"Raw"}}}, []string{"red1", "blue2", "plain"}},
		{"keys", []query.Query{query.KeysFilter{Keys: []string{"plain", "red1", "nope"}}}, []string{"red1", "plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, searchKeys(t, c, tt.qs...))
		})
	}
}

func TestSearch_FullTextMatchesValuesOnly(t *testing.T) {
	c := setupTestCatalog(t)
	seedFullText(t, c, "")

	tests := []struct {
		text string
		want []string
	}{
		{"R&D", []string{"rd"}},
		{"<beam>", []string{"rd"}},
		{`"hi"`, []string{"quoted"}},
		{"color", []string{}},
		{"RED", []string{"colored"}},
		{"deep", []string{"nested"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, searchKeys(t, c, query.FullText{Text: tt.text}))
		})
	}
}

// seedFullText creates nodes whose metadata holds characters that JSON
// encoders like to escape.
func seedFullText(t *testing.T, c *Catalog, parent string) {
	t.Helper()
	mustCreate(t, c, parent, "rd", FamilyArray, JSONObject{"title": "R&D <beam>"})
	mustCreate(t, c, parent, "quoted", FamilyArray, JSONObject{"title": `say "hi"`})
	mustCreate(t, c, parent, "colored", FamilyArray, JSONObject{"color": "red"})
	mustCreate(t, c, parent, "nested", FamilyArray, JSONObject{"sample": map[string]any{"notes": []any{"Deep field"}}})
}

func TestSearch_IsPure(t *testing.T) {
	c := setupTestCatalog(t)
	seedColors(t, c)
	ctx := context.Background()

	v, err := c.View(ctx, "")
	require.NoError(t, err)
	blue := v.Search(query.Comparison{Field: "color", Op: query.Eq, Value: "blue"})
	_ = blue.Search(query.Comparison{Field: "n", Op: query.Eq, Value: 3})

	assert.Empty(t, v.Queries())
	assert.Len(t, blue.Queries(), 1)

	page, err := blue.List(ctx, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"blue1", "blue2"}, keysOf(page.Items))
}

func TestSearch_InvalidField(t *testing.T) {
	c := setupTestCatalog(t)
	v, err := c.View(context.Background(), "")
	require.NoError(t, err)

	_, err = v.Search(query.Comparison{Field: "a..b", Op: query.Eq, Value: 1}).List(context.Background(), PageRequest{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestView_Get(t *testing.T) {
	c := setupTestCatalog(t)
	seedColors(t, c)
	ctx := context.Background()

	v, err := c.View(ctx, "")
	require.NoError(t, err)
	blue := v.Search(query.Comparison{Field: "color", Op: query.Eq, Value: "blue"})

	n, err := blue.Get(ctx, "blue1")
	require.NoError(t, err)
	assert.Equal(t, "blue1", n.Key)

	_, err = blue.Get(ctx, "red1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_PaginationIsStable(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()
	for i := range 25 {
		// Only three distinct values, so ordering relies on the id tiebreaker.
		mustCreate(t, c, "", fmt.Sprintf("n%02d", i), FamilyArray, JSONObject{"group": i % 3})
	}

	sortKeys := []SortKey{{Field: "group", Descending: true}}
	var all []string
	for offset := 0; offset < 25; offset += 10 {
		page, err := c.List(ctx, "", PageRequest{Offset: offset, Limit: 10, Sort: sortKeys})
		require.NoError(t, err)
		all = append(all, keysOf(page.Items)...)
	}
	require.Len(t, all, 25)

	again, err := c.List(ctx, "", PageRequest{Limit: 25, Sort: sortKeys})
	require.NoError(t, err)
	assert.Equal(t, all, keysOf(again.Items))

	seen := map[string]bool{}
	for _, k := range all {
		assert.False(t, seen[k], "duplicate %s", k)
		seen[k] = true
	}
	assert.Equal(t, "n02", all[0])
}

func TestList_Links(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()
	for i := range 7 {
		mustCreate(t, c, "", fmt.Sprintf("k%d", i), FamilyArray, nil)
	}

	page, err := c.List(ctx, "", PageRequest{Offset: 3, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"k3", "k4", "k5"}, keysOf(page.Items))
	assert.EqualValues(t, 7, page.Count)
	assert.True(t, page.CountExact)
	require.NotNil(t, page.Next)
	assert.Equal(t, 6, *page.Next)
	require.NotNil(t, page.Prev)
	assert.Equal(t, 0, *page.Prev)
	require.NotNil(t, page.Last)
	assert.Equal(t, 6, *page.Last)

	last, err := c.List(ctx, "", PageRequest{Offset: -2, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, last.Offset)
	assert.Equal(t, []string{"k5", "k6"}, keysOf(last.Items))
	assert.Nil(t, last.Next)
}

func TestList_EstimatedCount(t *testing.T) {
	c := setupTestCatalog(t)
	c.cfg.EstimateThreshold = 5
	ctx := context.Background()
	for i := range 8 {
		mustCreate(t, c, "", fmt.Sprintf("k%d", i), FamilyArray, nil)
	}

	page, err := c.List(ctx, "", PageRequest{Limit: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Count)
	assert.False(t, page.CountExact)
	assert.NotNil(t, page.Next)
	assert.Nil(t, page.Last)

	exact, err := c.List(ctx, "", PageRequest{Limit: 3, ExactCount: true})
	require.NoError(t, err)
	assert.EqualValues(t, 8, exact.Count)
	assert.True(t, exact.CountExact)
}

func TestList_Unsupported(t *testing.T) {
	c := setupTestCatalog(t)
	_, err := c.List(context.Background(), "", PageRequest{Stride: 2})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = c.List(context.Background(), "", PageRequest{Sort: []SortKey{{Field: "bad field"}}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestDistinct(t *testing.T) {
	c := setupTestCatalog(t)
	seedColors(t, c)
	ctx := context.Background()

	v, err := c.View(ctx, "")
	require.NoError(t, err)
	got, err := v.Distinct(ctx, []string{"color", "structure_family"}, true)
	require.NoError(t, err)

	two, one := int64(2), int64(1)
	assert.Equal(t, []DistinctValue{{Value: "blue", Count: &two}, {Value: "red", Count: &one}}, got["color"])
	assert.Len(t, got["structure_family"], 3)

	narrowed, err := v.Search(query.Comparison{Field: "color", Op: query.Eq, Value: "blue"}).
		Distinct(ctx, []string{"color"}, false)
	require.NoError(t, err)
	assert.Equal(t, []DistinctValue{{Value: "blue"}}, narrowed["color"])
}

func TestParseSort(t *testing.T) {
	keys, err := ParseSort("-color, key,")
	require.NoError(t, err)
	assert.Equal(t, []SortKey{{Field: "color", Descending: true}, {Field: "key"}}, keys)

	_, err = ParseSort("-")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
