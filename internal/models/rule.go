// Package models provides data model definitions for the tillsync engine.
package models

// RuleKey identifies the scope of a resolution rule: a whole entity type,
// or a single property of it (e.g. Product vs Product.Price).
type RuleKey struct {
	EntityType   string `json:"entity_type"`
	PropertyName string `json:"property_name,omitempty"`
}

// IsFieldLevel reports whether the key targets a single property.
func (k RuleKey) IsFieldLevel() bool {
	return k.PropertyName != ""
}

// String renders the key in EntityType[.Property] form.
func (k RuleKey) String() string {
	if k.PropertyName == "" {
		return k.EntityType
	}
	return k.EntityType + "." + k.PropertyName
}

// ResolutionRule configures how conflicts on a matching key are resolved.
// Rules are data, not code; the default table can be rebuilt at runtime.
type ResolutionRule struct {
	Key                  RuleKey    `json:"key"`
	Resolution           Resolution `json:"resolution"`
	RequiresManualReview bool       `json:"requires_manual_review"`
	// Priority orders rules of equal specificity; higher wins.
	Priority int `json:"priority"`
}

// MoreSpecificThan reports whether r beats other for the same conflict:
// a field-level rule beats an entity-level one, and among equally
// specific rules the higher Priority wins.
func (r ResolutionRule) MoreSpecificThan(other ResolutionRule) bool {
	if r.Key.IsFieldLevel() != other.Key.IsFieldLevel() {
		return r.Key.IsFieldLevel()
	}
	return r.Priority > other.Priority
}
