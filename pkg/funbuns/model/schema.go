package model

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// Column types understood by the schema.
const (
	TypeUint32 = "uint32"
	TypeUint64 = "uint64"
)

// ColumnSpec declares one column of the record schema.
type ColumnSpec struct {
	Name string `msgpack:"name" json:"name"`
	Type string `msgpack:"type" json:"type"`
}

// Schema is the declared column layout of run and block files.
var Schema = []ColumnSpec{
	{Name: "p", Type: TypeUint64},
	{Name: "m", Type: TypeUint32},
	{Name: "n", Type: TypeUint32},
	{Name: "q", Type: TypeUint64},
}

// CheckSchema compares a stored column layout against Schema and returns a
// description of every difference.
func CheckSchema(got []ColumnSpec) []string {
	var problems []string
	if len(got) != len(Schema) {
		problems = append(problems, fmt.Sprintf("expected %d columns, found %d", len(Schema), len(got)))
	}
	seen := make(map[string]string, len(got))
	for _, c := range got {
		seen[c.Name] = c.Type
	}
	for _, want := range Schema {
		typ, ok := seen[want.Name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("missing column %q", want.Name))
		case typ != want.Type:
			problems = append(problems, fmt.Sprintf("column %q has type %s, want %s", want.Name, typ, want.Type))
		}
		delete(seen, want.Name)
	}
	extra := slices.Sorted(maps.Keys(seen))
	for _, name := range extra {
		problems = append(problems, fmt.Sprintf("unexpected column %q", name))
	}
	return problems
}

// FitsType reports whether v is representable in the named column type.
func FitsType(typ string, v uint64) bool {
	switch typ {
	case TypeUint32:
		return v <= math.MaxUint32
	case TypeUint64:
		return true
	}
	return false
}
