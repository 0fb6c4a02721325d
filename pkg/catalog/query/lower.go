package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Dialect names match gorm's dialector names.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// Clause is a parenthesized SQL boolean expression with positional
// placeholders, ready for gorm's Where.
type Clause struct {
	SQL  string
	Args []any
}

// Table-qualified node columns referenced by lowered clauses.
const (
	metadataColumn = "nodes.metadata"
	specsColumn    = "nodes.specs"
	familyColumn   = "nodes.structure_family"
)

// likeEscape is the LIKE escape character used by every dialect. A
// backslash would need different quoting in MySQL.
const likeEscape = "!"

// Lower translates q into a WHERE clause over the nodes table.
func (d Dialect) Lower(q Query) (Clause, error) {
	if err := q.Validate(); err != nil {
		return Clause{}, err
	}
	switch q := q.(type) {
	case Comparison:
		path, _ := ParseField(q.Field)
		return d.compare(path, q.Op, q.Value), nil
	case In:
		if len(q.Values) == 0 {
			return Clause{SQL: "(1 = 0)"}, nil
		}
		path, _ := ParseField(q.Field)
		return d.anyEqual(path, q.Values), nil
	case NotIn:
		if len(q.Values) == 0 {
			return Clause{SQL: "(1 = 1)"}, nil
		}
		path, _ := ParseField(q.Field)
		eq := d.anyEqual(path, q.Values)
		return Clause{
			SQL:  fmt.Sprintf("(%s IS NULL OR NOT %s)", d.presence(path), eq.SQL),
			Args: eq.Args,
		}, nil
	case FullText:
		return d.fullText(q.Text), nil
	case Contains:
		path, _ := ParseField(q.Field)
		return d.contains(path, q.Value), nil
	case Like:
		path, _ := ParseField(q.Field)
		return d.like(path, q.Pattern), nil
	case KeyPresent:
		path, _ := ParseField(q.Field)
		if q.Exists {
			return Clause{SQL: fmt.Sprintf("(%s IS NOT NULL)", d.presence(path))}, nil
		}
		return Clause{SQL: fmt.Sprintf("(%s IS NULL)", d.presence(path))}, nil
	case StructureFamily:
		return Clause{SQL: "(" + familyColumn + " = ?)", Args: []any{q.Value}}, nil
	case SpecsQuery:
		return d.specs(q), nil
	case KeysFilter:
		if len(q.Keys) == 0 {
			return Clause{SQL: "(1 = 0)"}, nil
		}
		return Clause{SQL: "(" + d.KeyColumn() + " IN ?)", Args: []any{q.Keys}}, nil
	}
	return Clause{}, fmt.Errorf("%w: unsupported query %T", ErrInvalidQuery, q)
}

// KeyColumn returns the quoted nodes.key column; key is reserved in MySQL.
func (d Dialect) KeyColumn() string {
	if d == MySQL {
		return "nodes.`key`"
	}
	return `nodes."key"`
}

// SortExpr returns an ORDER BY expression for a metadata path.
func (d Dialect) SortExpr(field string) (string, error) {
	path, err := ParseField(field)
	if err != nil {
		return "", err
	}
	return d.extract(path), nil
}

// DistinctExpr returns an expression yielding the JSON text of a metadata
// path, suitable for GROUP BY. Missing fields yield NULL.
func (d Dialect) DistinctExpr(field string) (string, error) {
	path, err := ParseField(field)
	if err != nil {
		return "", err
	}
	switch d {
	case Postgres:
		return fmt.Sprintf("(%s #> '%s')::text", metadataColumn, pgPath(path)), nil
	case MySQL:
		return fmt.Sprintf("CAST(JSON_EXTRACT(%s, '%s') AS CHAR)", metadataColumn, jsonPath(path)), nil
	}
	return fmt.Sprintf("(%s -> '%s')", metadataColumn, jsonPath(path)), nil
}

// jsonPath renders $."a"."b"; quoting keeps hyphenated keys valid in MySQL.
func jsonPath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range path {
		b.WriteString(`."`)
		b.WriteString(s)
		b.WriteString(`"`)
	}
	return b.String()
}

// pgPath renders a text[] literal body for #> and #>>.
func pgPath(path []string) string {
	return "{" + strings.Join(path, ",") + "}"
}

// extract yields the typed value at path: SQL scalars in SQLite, jsonb in
// Postgres, JSON in MySQL.
func (d Dialect) extract(path []string) string {
	switch d {
	case Postgres:
		return fmt.Sprintf("(%s #> '%s')", metadataColumn, pgPath(path))
	case MySQL:
		return fmt.Sprintf("JSON_EXTRACT(%s, '%s')", metadataColumn, jsonPath(path))
	}
	return fmt.Sprintf("json_extract(%s, '%s')", metadataColumn, jsonPath(path))
}

// presence yields an expression that is NULL exactly when path is absent.
// A JSON null stored at path is present.
func (d Dialect) presence(path []string) string {
	switch d {
	case Postgres:
		return d.extract(path)
	case MySQL:
		return d.extract(path)
	}
	return fmt.Sprintf("json_type(%s, '%s')", metadataColumn, jsonPath(path))
}

// typeGuard restricts path to the JSON type of a value of kind k.
func (d Dialect) typeGuard(path []string, k valueKind) string {
	switch d {
	case Postgres:
		t := map[valueKind]string{kindNull: "'null'", kindBool: "'boolean'", kindNumber: "'number'", kindString: "'string'"}[k]
		return fmt.Sprintf("jsonb_typeof(%s) = %s", d.extract(path), t)
	case MySQL:
		t := map[valueKind]string{
			kindNull:   "('NULL')",
			kindBool:   "('BOOLEAN')",
			kindNumber: "('INTEGER', 'UNSIGNED INTEGER', 'DOUBLE', 'DECIMAL')",
			kindString: "('STRING')",
		}[k]
		return fmt.Sprintf("JSON_TYPE(%s) IN %s", d.extract(path), t)
	}
	t := map[valueKind]string{
		kindNull:   "('null')",
		kindBool:   "('true', 'false')",
		kindNumber: "('integer', 'real')",
		kindString: "('text')",
	}[k]
	return fmt.Sprintf("%s IN %s", d.presence(path), t)
}

// param renders a placeholder and its argument for comparing against
// extract(path).
func (d Dialect) param(v any) (string, any) {
	switch d {
	case Postgres:
		return "CAST(CAST(? AS TEXT) AS JSONB)", mustJSON(v)
	case MySQL:
		return "CAST(? AS JSON)", mustJSON(v)
	}
	if b, ok := v.(bool); ok {
		if b {
			return "?", 1
		}
		return "?", 0
	}
	return "?", v
}

func (d Dialect) compare(path []string, op Operator, v any) Clause {
	kind, _ := scalarKind(v)
	guard := d.typeGuard(path, kind)
	if kind == kindNull {
		return Clause{SQL: "(" + guard + ")"}
	}
	ph, arg := d.param(v)
	return Clause{
		SQL:  fmt.Sprintf("(%s AND %s %s %s)", guard, d.extract(path), sqlOperators[op], ph),
		Args: []any{arg},
	}
}

func (d Dialect) anyEqual(path []string, values []any) Clause {
	parts := make([]string, 0, len(values))
	var args []any
	for _, v := range values {
		c := d.compare(path, Eq, v)
		parts = append(parts, c.SQL)
		args = append(args, c.Args...)
	}
	return Clause{SQL: "(" + strings.Join(parts, " OR ") + ")", Args: args}
}

// fullText matches string leaves of the metadata, case-insensitively.
// Object keys never match.
func (d Dialect) fullText(text string) Clause {
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	switch d {
	case Postgres:
		return Clause{
			SQL:  fmt.Sprintf("(to_tsvector('simple', %s) @@ plainto_tsquery('simple', ?))", metadataColumn),
			Args: []any{text},
		}
	case MySQL:
		return Clause{
			SQL: fmt.Sprintf("(JSON_SEARCH(CAST(LOWER(CAST(%s AS CHAR)) AS JSON), 'one', ?, '%s') IS NOT NULL)",
				metadataColumn, likeEscape),
			Args: []any{pattern},
		}
	}
	return Clause{
		SQL: fmt.Sprintf("(EXISTS (SELECT 1 FROM json_tree(%s) AS leaf"+
			" WHERE leaf.type = 'text' AND lower(leaf.value) LIKE ? ESCAPE '%s'))", metadataColumn, likeEscape),
		Args: []any{pattern},
	}
}

func (d Dialect) contains(path []string, v any) Clause {
	switch d {
	case Postgres:
		return Clause{
			SQL: fmt.Sprintf("(jsonb_typeof(%s) = 'array' AND %s @> CAST(CAST(? AS TEXT) AS JSONB))",
				d.extract(path), d.extract(path)),
			Args: []any{mustJSON([]any{v})},
		}
	case MySQL:
		return Clause{
			SQL: fmt.Sprintf("(JSON_TYPE(%s) = 'ARRAY' AND JSON_CONTAINS(%s, CAST(? AS JSON)))",
				d.extract(path), d.extract(path)),
			Args: []any{mustJSON(v)},
		}
	}
	kind, _ := scalarKind(v)
	types := map[valueKind]string{
		kindNull:   "('null')",
		kindBool:   "('true', 'false')",
		kindNumber: "('integer', 'real')",
		kindString: "('text')",
	}[kind]
	if kind == kindNull {
		return Clause{SQL: fmt.Sprintf(
			"(EXISTS (SELECT 1 FROM json_each(%s, '%s') AS e WHERE e.type IN %s))",
			metadataColumn, jsonPath(path), types)}
	}
	_, arg := d.param(v)
	return Clause{
		SQL: fmt.Sprintf(
			"(%s = 'array' AND EXISTS (SELECT 1 FROM json_each(%s, '%s') AS e WHERE e.type IN %s AND e.value = ?))",
			d.presence(path), metadataColumn, jsonPath(path), types),
		Args: []any{arg},
	}
}

func (d Dialect) like(path []string, pattern string) Clause {
	switch d {
	case Postgres:
		return Clause{
			SQL:  fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND %s #>> '%s' LIKE ?)", d.extract(path), metadataColumn, pgPath(path)),
			Args: []any{pattern},
		}
	case MySQL:
		return Clause{
			SQL:  fmt.Sprintf("(JSON_TYPE(%s) = 'STRING' AND JSON_UNQUOTE(%s) LIKE ?)", d.extract(path), d.extract(path)),
			Args: []any{pattern},
		}
	}
	return Clause{
		SQL:  fmt.Sprintf("(%s = 'text' AND %s LIKE ?)", d.presence(path), d.extract(path)),
		Args: []any{pattern},
	}
}

// specs matches the JSON text of the specs column. Specs are always
// written by encoding/json, so a name appears as "name":<json string>.
func (d Dialect) specs(q SpecsQuery) Clause {
	var parts []string
	var args []any
	for _, name := range q.Include {
		parts = append(parts, fmt.Sprintf("%s LIKE ? ESCAPE '%s'", specsColumn, likeEscape))
		args = append(args, specPattern(name))
	}
	for _, name := range q.Exclude {
		parts = append(parts, fmt.Sprintf("%s NOT LIKE ? ESCAPE '%s'", specsColumn, likeEscape))
		args = append(args, specPattern(name))
	}
	if len(parts) == 0 {
		return Clause{SQL: "(1 = 1)"}
	}
	return Clause{SQL: "(" + strings.Join(parts, " AND ") + ")", Args: args}
}

func specPattern(name string) string {
	return `%"name":` + escapeLike(mustJSON(name)) + `%`
}

// escapeLike escapes LIKE wildcards with likeEscape.
func escapeLike(s string) string {
	r := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return r.Replace(s)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Values are validated as JSON scalars before lowering.
		panic(fmt.Sprintf("encode query value: %v", err))
	}
	return string(b)
}
