// Package filter parses the catalog's textual search language into query
// values. Terms are joined with AND:
//
//	color = "blue" AND n >= 3 AND category IN ("a", "b") AND FULLTEXT("copper")
//
// Supported terms:
//
//	field OP value            OP is one of = == < <= > >=
//	field [NOT] IN (v, ...)
//	field CONTAINS value
//	field LIKE "pattern"
//	HAS(field), MISSING(field)
//	FULLTEXT("text")
//	SPEC("name"), NOT SPEC("name")
//	FAMILY("array")
//	KEYS("a", "b")
//
// Values are double-quoted strings, numbers, true, false or null. Fields
// are dotted metadata paths. Keywords are case-insensitive.
package filter

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_\-]*`},
	{Name: "Op", Pattern: `<=|>=|==|=|<|>`},
	{Name: "Punct", Pattern: `[(),.]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

type expression struct {
	Terms []*term `@@ ( "AND" @@ )*`
}

type term struct {
	FullText *string    `  "FULLTEXT" "(" @String ")"`
	Has      *fieldPath `| "HAS" "(" @@ ")"`
	Missing  *fieldPath `| "MISSING" "(" @@ ")"`
	NotSpec  *string    `| "NOT" "SPEC" "(" @String ")"`
	Spec     *string    `| "SPEC" "(" @String ")"`
	Family   *string    `| "FAMILY" "(" @String ")"`
	Keys     *keyList   `| "KEYS" "(" @@ ")"`
	Cond     *condition `| @@`
}

type fieldPath struct {
	Parts []string `@Ident ( "." @Ident )*`
}

func (f *fieldPath) String() string { return strings.Join(f.Parts, ".") }

type keyList struct {
	Keys []string `@String ( "," @String )*`
}

type condition struct {
	Field    *fieldPath  `@@`
	Compare  *comparison `( @@`
	In       *inList     `| @@`
	Contains *value      `| "CONTAINS" @@`
	Like     *string     `| "LIKE" @String )`
}

type comparison struct {
	Op    string `@Op`
	Value *value `@@`
}

type inList struct {
	Not    bool     `( @"NOT" )? "IN" "("`
	Values []*value `( @@ ( "," @@ )* )? ")"`
}

type value struct {
	String *string  `  @String`
	Number *float64 `| @Number`
	True   bool     `| @"true"`
	False  bool     `| @"false"`
	Null   bool     `| @"null"`
}

func (v *value) get() any {
	switch {
	case v.String != nil:
		return *v.String
	case v.Number != nil:
		return *v.Number
	case v.True:
		return true
	case v.False:
		return false
	}
	return nil
}

var parser = participle.MustBuild[expression](
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(3),
)

// Parse converts a filter expression into queries whose conjunction it
// denotes. An empty or blank string yields no queries.
func Parse(s string) ([]query.Query, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	expr, err := parser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrInvalidQuery, err)
	}

	out := make([]query.Query, 0, len(expr.Terms))
	for _, t := range expr.Terms {
		q, err := t.toQuery()
		if err != nil {
			return nil, err
		}
		if err := q.Validate(); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (t *term) toQuery() (query.Query, error) {
	switch {
	case t.FullText != nil:
		return query.FullText{Text: *t.FullText}, nil
	case t.Has != nil:
		return query.KeyPresent{Field: t.Has.String(), Exists: true}, nil
	case t.Missing != nil:
		return query.KeyPresent{Field: t.Missing.String(), Exists: false}, nil
	case t.NotSpec != nil:
		return query.SpecsQuery{Exclude: []string{*t.NotSpec}}, nil
	case t.Spec != nil:
		return query.SpecsQuery{Include: []string{*t.Spec}}, nil
	case t.Family != nil:
		return query.StructureFamily{Value: *t.Family}, nil
	case t.Keys != nil:
		return query.KeysFilter{Keys: t.Keys.Keys}, nil
	case t.Cond != nil:
		return t.Cond.toQuery()
	}
	return nil, fmt.Errorf("%w: empty term", query.ErrInvalidQuery)
}

func (c *condition) toQuery() (query.Query, error) {
	field := c.Field.String()
	switch {
	case c.Compare != nil:
		op, err := query.ParseOperator(c.Compare.Op)
		if err != nil {
			return nil, err
		}
		return query.Comparison{Field: field, Op: op, Value: c.Compare.Value.get()}, nil
	case c.In != nil:
		values := make([]any, 0, len(c.In.Values))
		for _, v := range c.In.Values {
			values = append(values, v.get())
		}
		if c.In.Not {
			return query.NotIn{Field: field, Values: values}, nil
		}
		return query.In{Field: field, Values: values}, nil
	case c.Contains != nil:
		return query.Contains{Field: field, Value: c.Contains.get()}, nil
	case c.Like != nil:
		return query.Like{Field: field, Pattern: *c.Like}, nil
	}
	return nil, fmt.Errorf("%w: condition on %q has no operator", query.ErrInvalidQuery, field)
}
