package transport

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultCollections maps entity types to the server collections that hold
// them.
func DefaultCollections() map[string]string {
	return map[string]string{
		"task":    "tasks",
		"report":  "reports",
		"checkin": "checkins",
	}
}

// NormalizeName returns the canonical form of an entity type or collection
// name: NFC-normalized, trimmed and lowercased.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// Collections resolves entity types to collection names.
type Collections struct {
	byType map[string]string
}

// NewCollections builds a resolver from the default table overlaid with
// overrides.
func NewCollections(overrides map[string]string) *Collections {
	byType := make(map[string]string)

	for k, v := range DefaultCollections() {
		byType[k] = v
	}

	for k, v := range overrides {
		byType[NormalizeName(k)] = NormalizeName(v)
	}

	return &Collections{byType: byType}
}

// For returns the collection for an entity type. Unmapped types are
// pluralized by appending "s" unless they already end in one.
func (c *Collections) For(entityType string) string {
	name := NormalizeName(entityType)

	if coll, ok := c.byType[name]; ok {
		return coll
	}

	if strings.HasSuffix(name, "s") {
		return name
	}

	return name + "s"
}

// EntityType is the inverse of For: it maps a collection name back to the
// entity type stored in it.
func (c *Collections) EntityType(collection string) string {
	name := NormalizeName(collection)

	for t, coll := range c.byType {
		if coll == name {
			return t
		}
	}

	return strings.TrimSuffix(name, "s")
}
