package topic

import (
	"fmt"
	"strings"
)

// Builder constructs MQTT topic strings under a fixed root namespace.
type Builder struct {
	// root is the base namespace for all topics (e.g., "fleetview/v1").
	root string
}

// NewBuilder creates a new Builder with the specified root namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Build returns {root}/{segment}/{id}. Characters of id that would change
// the topic structure are replaced with "_".
func (b *Builder) Build(segment, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, segment, Escape(id))
}

// Wildcard returns the filter matching every identifier under segment.
// Result: {root}/{segment}/+
func (b *Builder) Wildcard(segment string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, segment, Wildcard)
}

// Escape makes level safe to use as a single topic level.
func Escape(level string) string {
	return levelReplacer.Replace(level)
}

var levelReplacer = strings.NewReplacer("/", "_", Wildcard, "_", MultiWildcard, "_")
