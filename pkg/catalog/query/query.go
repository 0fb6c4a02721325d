// Package query defines the catalog's search algebra and lowers it to SQL
// for each supported database dialect.
//
// A Query is an immutable value. Applying several queries to a view
// narrows it by their conjunction; no variant ever widens a result set.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidQuery is returned for malformed fields, operators or values.
var ErrInvalidQuery = errors.New("invalid query")

// Query is implemented by every search variant in this package.
type Query interface {
	// Validate checks the query without touching the database.
	Validate() error
	isQuery()
}

// Operator is a comparison operator.
type Operator string

const (
	Eq Operator = "eq"
	Lt Operator = "lt"
	Le Operator = "le"
	Gt Operator = "gt"
	Ge Operator = "ge"
)

var sqlOperators = map[Operator]string{
	Eq: "=",
	Lt: "<",
	Le: "<=",
	Gt: ">",
	Ge: ">=",
}

// ParseOperator accepts both the symbolic (<=) and named (le) forms.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(s) {
	case "eq", "=", "==":
		return Eq, nil
	case "lt", "<":
		return Lt, nil
	case "le", "<=":
		return Le, nil
	case "gt", ">":
		return Gt, nil
	case "ge", ">=":
		return Ge, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, s)
}

// Comparison matches nodes whose metadata field compares to Value. Values
// of a different JSON type never match.
type Comparison struct {
	Field string
	Op    Operator
	Value any
}

// In matches nodes whose metadata field equals one of Values. An empty
// Values matches nothing.
type In struct {
	Field  string
	Values []any
}

// NotIn drops nodes whose metadata field equals one of Values. Nodes that
// lack the field are kept. An empty Values drops nothing.
type NotIn struct {
	Field  string
	Values []any
}

// FullText matches nodes whose metadata mentions Text.
type FullText struct {
	Text string
}

// Contains matches nodes whose metadata field is an array holding Value.
type Contains struct {
	Field string
	Value any
}

// Like matches string metadata fields against a SQL LIKE pattern.
type Like struct {
	Field   string
	Pattern string
}

// KeyPresent matches nodes that have (or, with Exists false, lack) a
// metadata field.
type KeyPresent struct {
	Field  string
	Exists bool
}

// StructureFamily matches nodes of one structure family.
type StructureFamily struct {
	Value string
}

// SpecsQuery matches nodes carrying every spec in Include and none in Exclude.
type SpecsQuery struct {
	Include []string
	Exclude []string
}

// KeysFilter matches nodes whose key is one of Keys. An empty Keys matches
// nothing.
type KeysFilter struct {
	Keys []string
}

func (Comparison) isQuery()      {}
func (In) isQuery()              {}
func (NotIn) isQuery()           {}
func (FullText) isQuery()        {}
func (Contains) isQuery()        {}
func (Like) isQuery()            {}
func (KeyPresent) isQuery()      {}
func (StructureFamily) isQuery() {}
func (SpecsQuery) isQuery()      {}
func (KeysFilter) isQuery()      {}

func (q Comparison) Validate() error {
	if _, err := ParseField(q.Field); err != nil {
		return err
	}
	if _, ok := sqlOperators[q.Op]; !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, q.Op)
	}
	kind, err := scalarKind(q.Value)
	if err != nil {
		return err
	}
	if q.Op != Eq && (kind == kindNull || kind == kindBool) {
		return fmt.Errorf("%w: operator %s needs a number or string", ErrInvalidQuery, q.Op)
	}
	return nil
}

func (q In) Validate() error    { return validateValues(q.Field, q.Values) }
func (q NotIn) Validate() error { return validateValues(q.Field, q.Values) }

func (q FullText) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: empty full-text query", ErrInvalidQuery)
	}
	return nil
}

func (q Contains) Validate() error {
	if _, err := ParseField(q.Field); err != nil {
		return err
	}
	_, err := scalarKind(q.Value)
	return err
}

func (q Like) Validate() error {
	_, err := ParseField(q.Field)
	return err
}

func (q KeyPresent) Validate() error {
	_, err := ParseField(q.Field)
	return err
}

func (q StructureFamily) Validate() error {
	if q.Value == "" {
		return fmt.Errorf("%w: empty structure family", ErrInvalidQuery)
	}
	return nil
}

func (q SpecsQuery) Validate() error {
	for _, s := range append(append([]string{}, q.Include...), q.Exclude...) {
		if s == "" {
			return fmt.Errorf("%w: empty spec name", ErrInvalidQuery)
		}
	}
	return nil
}

func (q KeysFilter) Validate() error { return nil }

func validateValues(field string, values []any) error {
	if _, err := ParseField(field); err != nil {
		return err
	}
	for _, v := range values {
		if _, err := scalarKind(v); err != nil {
			return err
		}
	}
	return nil
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)

// ParseField splits a dotted metadata path into validated segments. The
// segment alphabet is restricted so paths can be embedded in SQL literals.
func ParseField(field string) ([]string, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: empty field", ErrInvalidQuery)
	}
	segments := strings.Split(field, ".")
	for _, s := range segments {
		if !segmentPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: invalid field segment %q in %q", ErrInvalidQuery, s, field)
		}
	}
	return segments, nil
}

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
)

// scalarKind classifies a query value. Integers of any width and floats
// are numbers; composite values are rejected.
func scalarKind(v any) (valueKind, error) {
	switch v.(type) {
	case nil:
		return kindNull, nil
	case bool:
		return kindBool, nil
	case string:
		return kindString, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return kindNumber, nil
	}
	return 0, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidQuery, v, v)
}
