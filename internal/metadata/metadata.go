// Package metadata resolves and validates entity metadata from the remote
// source. The loosely-typed $metadata response is turned into a strict
// EntityMetadata value at the boundary; malformed input is rejected here,
// before any warehouse resource is touched.
package metadata

import (
	"fmt"
	"strings"
)

// Watermark candidates, in preference order. The source exposes one of these
// on every delta-capable entity.
var watermarkCandidates = []string{"lastModifiedDateTime", "lastModifiedOn"}

// Field is a single source field descriptor as declared by $metadata.
// SourceType is the source system's type tag (e.g. "Edm.Int64"); target
// typing is the schema mapper's concern.
type Field struct {
	Name        string
	SourceType  string
	Nullable    bool
	Description string
}

// EntityMetadata is the validated description of one entity. It is created
// once per ingestion run and immutable afterward.
type EntityMetadata struct {
	// Name is the entity identifier, e.g. "EmpJob".
	Name string

	// Module is the owning business module tag, used to namespace the
	// target dataset, e.g. "Employment Information (EC)".
	Module string

	// Description is the entity's long description, used as a table comment.
	Description string

	// Fields is the ordered field list as declared by the source.
	Fields []Field

	// KeyFields names the primary-key fields. Always non-empty and a subset
	// of Fields.
	KeyFields []string

	// LastModifiedField names the watermark field. Always present in Fields.
	LastModifiedField string
}

// FieldNames returns the field names in declaration order.
func (m *EntityMetadata) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// MalformedError reports a structurally invalid metadata response: missing
// key or watermark field, empty field list, or a key that does not name a
// declared field. It is fatal for the run; there is nothing to retry.
type MalformedError struct {
	Entity string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("metadata: entity %s: malformed metadata: %s", e.Entity, e.Reason)
}

// validate enforces the EntityMetadata invariants. It is called once, right
// after parsing, and nowhere else.
func validate(m *EntityMetadata) error {
	if strings.TrimSpace(m.Name) == "" {
		return &MalformedError{Entity: m.Name, Reason: "missing entity name"}
	}
	if len(m.Fields) == 0 {
		return &MalformedError{Entity: m.Name, Reason: "empty field list"}
	}
	if strings.TrimSpace(m.Module) == "" {
		return &MalformedError{Entity: m.Name, Reason: "missing module tag"}
	}

	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return &MalformedError{Entity: m.Name, Reason: "field with empty name"}
		}
		if seen[f.Name] {
			return &MalformedError{Entity: m.Name, Reason: fmt.Sprintf("duplicate field %q", f.Name)}
		}
		seen[f.Name] = true
	}

	if len(m.KeyFields) == 0 {
		return &MalformedError{Entity: m.Name, Reason: "no key fields declared"}
	}
	for _, k := range m.KeyFields {
		if !seen[k] {
			return &MalformedError{Entity: m.Name, Reason: fmt.Sprintf("key field %q not in field list", k)}
		}
	}

	if m.LastModifiedField == "" {
		return &MalformedError{
			Entity: m.Name,
			Reason: fmt.Sprintf("no last-modified field (expected one of %s)", strings.Join(watermarkCandidates, ", ")),
		}
	}
	if !seen[m.LastModifiedField] {
		return &MalformedError{Entity: m.Name, Reason: fmt.Sprintf("last-modified field %q not in field list", m.LastModifiedField)}
	}

	return nil
}
