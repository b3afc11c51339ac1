// Package schemamap translates source field descriptors into target column
// definitions. The mapping table is total over the source type system and
// deterministic: identical source schema always yields an identical target
// schema. A source type absent from the table fails the run instead of being
// coerced to string, since that would corrupt the refined layer's typing.
package schemamap

import (
	"fmt"

	"sfingest/internal/metadata"
)

// Type is a target scalar type.
type Type string

const (
	TypeString    Type = "string"
	TypeInteger   Type = "integer"
	TypeFloat     Type = "float"
	TypeBoolean   Type = "boolean"
	TypeTimestamp Type = "timestamp"
	TypeDate      Type = "date"
)

// FieldSpec is one mapped target column: name, source tag it came from,
// target scalar type, and nullability.
type FieldSpec struct {
	Name        string
	SourceType  string
	Type        Type
	Nullable    bool
	Description string
}

// UnsupportedSourceTypeError reports a source type tag with no entry in the
// mapping table. Fatal: the table needs updating before the entity can be
// ingested.
type UnsupportedSourceTypeError struct {
	Field      string
	SourceType string
}

func (e *UnsupportedSourceTypeError) Error() string {
	return fmt.Sprintf("schemamap: field %q has unsupported source type %q", e.Field, e.SourceType)
}

// typeMapping is the fixed, total mapping from source type tags to target
// scalars. Tags map per the source system's EDM type documentation.
var typeMapping = map[string]Type{
	"Edm.String":         TypeString,
	"Edm.Guid":           TypeString,
	"Edm.Binary":         TypeString,
	"Edm.Int64":          TypeInteger,
	"Edm.Int32":          TypeInteger,
	"Edm.Int16":          TypeInteger,
	"Edm.Byte":           TypeInteger,
	"Edm.SByte":          TypeInteger,
	"Edm.Double":         TypeFloat,
	"Edm.Float":          TypeFloat,
	"Edm.Single":         TypeFloat,
	"Edm.Decimal":        TypeFloat,
	"Edm.Boolean":        TypeBoolean,
	"Edm.DateTime":       TypeTimestamp,
	"Edm.DateTimeOffset": TypeTimestamp,
	"Edm.Time":           TypeTimestamp,
	"Edm.Date":           TypeDate,
}

// Map derives the ordered target column definitions for the given metadata
// fields. Field order is preserved. Any field whose source type has no
// mapping entry fails with *UnsupportedSourceTypeError.
func Map(fields []metadata.Field) ([]FieldSpec, error) {
	specs := make([]FieldSpec, 0, len(fields))
	for _, f := range fields {
		t, ok := typeMapping[f.SourceType]
		if !ok {
			return nil, &UnsupportedSourceTypeError{Field: f.Name, SourceType: f.SourceType}
		}
		specs = append(specs, FieldSpec{
			Name:        f.Name,
			SourceType:  f.SourceType,
			Type:        t,
			Nullable:    f.Nullable,
			Description: f.Description,
		})
	}
	return specs, nil
}

// Names returns the column names of the specs, in order.
func Names(specs []FieldSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
