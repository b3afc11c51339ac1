package metadata

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"sfingest/internal/source"
)

// ErrNotFound is returned when the source does not know the requested entity.
var ErrNotFound = errors.New("metadata: entity not found")

// Fetcher is the slice of the source client the resolver needs.
type Fetcher interface {
	Metadata(ctx context.Context, entity string) ([]byte, error)
}

// Resolver fetches and parses entity metadata.
type Resolver struct {
	fetcher Fetcher
}

// NewResolver constructs a Resolver on top of a source client.
func NewResolver(f Fetcher) *Resolver {
	return &Resolver{fetcher: f}
}

// Resolve fetches $metadata for the entity and returns a validated
// EntityMetadata. Failure modes:
//
//   - ErrNotFound when the entity is unknown to the source
//   - *MalformedError when the response violates the metadata invariants
//   - *source.UnavailableError when the source cannot be reached
func (r *Resolver) Resolve(ctx context.Context, entity string) (*EntityMetadata, error) {
	body, err := r.fetcher.Metadata(ctx, entity)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, entity)
		}
		return nil, err
	}
	return Parse(entity, body)
}

// Wire structs for the edmx $metadata document. encoding/xml matches on
// local element names, so the edmx:/sap: prefixes do not appear here.
type edmxDocument struct {
	XMLName      xml.Name `xml:"Edmx"`
	DataServices struct {
		Schemas []edmxSchema `xml:"Schema"`
	} `xml:"DataServices"`
}

type edmxSchema struct {
	EntityContainer *edmxContainer   `xml:"EntityContainer"`
	EntityTypes     []edmxEntityType `xml:"EntityType"`
}

type edmxContainer struct {
	EntitySets []edmxEntitySet `xml:"EntitySet"`
}

type edmxEntitySet struct {
	Name          string `xml:"Name,attr"`
	Documentation *struct {
		LongDescription string   `xml:"LongDescription"`
		Tags            []string `xml:"tagcollection>tag"`
	} `xml:"Documentation"`
}

type edmxEntityType struct {
	Name       string         `xml:"Name,attr"`
	Keys       []edmxRef      `xml:"Key>PropertyRef"`
	Properties []edmxProperty `xml:"Property"`
}

type edmxRef struct {
	Name string `xml:"Name,attr"`
}

type edmxProperty struct {
	Name     string `xml:"Name,attr"`
	Type     string `xml:"Type,attr"`
	Nullable string `xml:"Nullable,attr"`
	Visible  string `xml:"visible,attr"`
	Label    string `xml:"label,attr"`
	Picklist string `xml:"picklist,attr"`
}

// Parse decodes a $metadata XML document into a validated EntityMetadata.
// Only fields marked visible by the source are kept, matching what the query
// endpoint will actually return.
func Parse(entity string, body []byte) (*EntityMetadata, error) {
	var doc edmxDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &MalformedError{Entity: entity, Reason: fmt.Sprintf("decode xml: %v", err)}
	}

	var et *edmxEntityType
	for i := range doc.DataServices.Schemas {
		for j := range doc.DataServices.Schemas[i].EntityTypes {
			if doc.DataServices.Schemas[i].EntityTypes[j].Name == entity {
				et = &doc.DataServices.Schemas[i].EntityTypes[j]
			}
		}
	}
	if et == nil {
		return nil, &MalformedError{Entity: entity, Reason: "no EntityType declaration in response"}
	}

	m := &EntityMetadata{Name: et.Name}

	for _, p := range et.Properties {
		if p.Visible != "true" {
			continue
		}
		m.Fields = append(m.Fields, Field{
			Name:        p.Name,
			SourceType:  p.Type,
			Nullable:    p.Nullable == "true",
			Description: fieldDescription(p),
		})
	}

	for _, k := range et.Keys {
		m.KeyFields = append(m.KeyFields, k.Name)
	}

	// Module tag and entity description live on the EntitySet documentation.
	// A per-entity document can carry associated sets too, so match the set
	// by name; a lone set is accepted regardless of name.
	var setDoc *edmxEntitySet
	var lone *edmxEntitySet
	total := 0
	for i := range doc.DataServices.Schemas {
		c := doc.DataServices.Schemas[i].EntityContainer
		if c == nil {
			continue
		}
		for j := range c.EntitySets {
			total++
			lone = &c.EntitySets[j]
			if c.EntitySets[j].Name == entity {
				setDoc = &c.EntitySets[j]
			}
		}
	}
	if setDoc == nil && total == 1 {
		setDoc = lone
	}
	if setDoc != nil && setDoc.Documentation != nil {
		m.Description = strings.TrimSpace(setDoc.Documentation.LongDescription)
		if len(setDoc.Documentation.Tags) > 0 {
			m.Module = strings.TrimSpace(setDoc.Documentation.Tags[0])
		}
	}

	m.LastModifiedField = pickWatermark(m.Fields)

	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// pickWatermark returns the first watermark candidate present in the field
// list, or "" when none is.
func pickWatermark(fields []Field) string {
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f.Name] = true
	}
	for _, cand := range watermarkCandidates {
		if present[cand] {
			return cand
		}
	}
	return ""
}

// fieldDescription renders the column description from the field label and,
// when present, its picklist reference.
func fieldDescription(p edmxProperty) string {
	label := strings.TrimSpace(p.Label)
	if label == "" {
		return ""
	}
	if p.Picklist != "" {
		return label + ". PickList: " + p.Picklist + "."
	}
	return label + "."
}
