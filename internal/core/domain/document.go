package domain

import "time"

// Facet names tracked by the engine. A facet is a filterable metadata field
// carried in the chunk payload.
const (
	FacetSection      = "section"
	FacetDocType      = "doc_type"
	FacetJurisdiction = "jurisdiction"
	FacetLang         = "lang"
)

func TrackedFacets() []string {
	return []string{FacetSection, FacetDocType, FacetJurisdiction, FacetLang}
}

type Document struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	DocType      string     `json:"doc_type,omitempty"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
	Lang         string     `json:"lang,omitempty"`
	Entities     []string   `json:"entities,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Chunk is the unit of retrievable text. Facet fields left empty inherit the
// owning document's values at upsert time. Re-upserting the same ID
// overwrites the stored version.
type Chunk struct {
	ID           string     `json:"id"`
	DocID        string     `json:"doc_id"`
	Section      string     `json:"section,omitempty"`
	DocType      string     `json:"doc_type,omitempty"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
	Lang         string     `json:"lang,omitempty"`
	Body         string     `json:"body"`
	Entities     []string   `json:"entities,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FacetValue returns the chunk's value for a tracked facet, or "" when unset.
func (c Chunk) FacetValue(facet string) string {
	switch facet {
	case FacetSection:
		return c.Section
	case FacetDocType:
		return c.DocType
	case FacetJurisdiction:
		return c.Jurisdiction
	case FacetLang:
		return c.Lang
	default:
		return ""
	}
}

// ValidAt reports whether the chunk's validity interval covers the instant.
// A nil bound is open-ended.
func (c Chunk) ValidAt(at time.Time) bool {
	if c.ValidFrom != nil && at.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidTo != nil && at.After(*c.ValidTo) {
		return false
	}
	return true
}

// InheritDocumentMetadata fills unset chunk facets and validity bounds from
// the owning document.
func (c *Chunk) InheritDocumentMetadata(doc *Document) {
	if doc == nil {
		return
	}
	if c.DocType == "" {
		c.DocType = doc.DocType
	}
	if c.Jurisdiction == "" {
		c.Jurisdiction = doc.Jurisdiction
	}
	if c.Lang == "" {
		c.Lang = doc.Lang
	}
	if len(c.Entities) == 0 {
		c.Entities = doc.Entities
	}
	if c.ValidFrom == nil {
		c.ValidFrom = doc.ValidFrom
	}
	if c.ValidTo == nil {
		c.ValidTo = doc.ValidTo
	}
}
