package model

import "time"

// ContentType is the detected structural category of a page.
type ContentType string

const (
	ContentTypeListing ContentType = "listing"
	ContentTypeArticle ContentType = "article"
	ContentTypeTable   ContentType = "table"
	ContentTypeNavList ContentType = "nav-list"
	ContentTypeUnknown ContentType = "unknown"
)

// DataType is the inferred type of an extractable field.
type DataType string

const (
	DataTypeText     DataType = "text"
	DataTypeNumber   DataType = "number"
	DataTypeCurrency DataType = "currency"
	DataTypeDate     DataType = "date"
	DataTypeURL      DataType = "url"
	DataTypeImage    DataType = "image"
)

// PageAnalysis is the root of one schema-detection run over fetched content.
type PageAnalysis struct {
	ID           string      `json:"id"`
	URL          string      `json:"url"`
	ContentType  ContentType `json:"content_type"`
	Confidence   float64     `json:"confidence"`
	SchemaCount  int         `json:"schema_count"`
	PatternCount int         `json:"pattern_count"`
	RuleCount    int         `json:"rule_count"`
	// Note carries a diagnostic when detection degraded (empty result sets).
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Schemas  []DetectedSchema `json:"schemas,omitempty"`
	Patterns []ContentPattern `json:"patterns,omitempty"`
	Rules    []ExtractionRule `json:"rules,omitempty"`
}

// DetectedSchema is an inferred structural category for one repeat group.
// Its confidence never exceeds the parent analysis confidence.
type DetectedSchema struct {
	ID          string      `json:"id"`
	AnalysisID  string      `json:"analysis_id"`
	Type        ContentType `json:"type"`
	Confidence  float64     `json:"confidence"`
	Selector    string      `json:"selector"`
	AltSelector string      `json:"alt_selector,omitempty"`
	MatchCount  int         `json:"match_count"`
	Fields      []string    `json:"fields,omitempty"`
}

// ContentPattern is one repeating structural group found on a page.
type ContentPattern struct {
	ID               string   `json:"id"`
	AnalysisID       string   `json:"analysis_id"`
	Type             string   `json:"type"`
	Confidence       float64  `json:"confidence"`
	RepeatCount      int      `json:"repeat_count"`
	ConsistencyScore float64  `json:"consistency_score"`
	Selector         string   `json:"selector"`
	AltSelectors     []string `json:"alt_selectors,omitempty"`
	Signature        string   `json:"signature"`
}

// ExtractionRule is a concrete recipe for pulling one field out of matched
// content. Fallback selectors are tried in order when the primary selector
// resolves to zero elements. Rule confidence never exceeds the parent
// schema's confidence.
type ExtractionRule struct {
	ID                string   `json:"id"`
	AnalysisID        string   `json:"analysis_id"`
	Field             string   `json:"field"`
	Selector          string   `json:"selector"`
	DataType          DataType `json:"data_type"`
	Method            string   `json:"method"` // "text", "attr:href", "attr:src"
	Confidence        float64  `json:"confidence"`
	ValidationRules   []string `json:"validation_rules,omitempty"`
	TransformRules    []string `json:"transformation_rules,omitempty"`
	FallbackSelectors []string `json:"fallback_selectors,omitempty"`
}
