package model

import (
	"strings"
	"time"
)

// EntryKind distinguishes the two shapes of extracted entries. Every draft
// carries exactly one kind and all downstream routing switches on it.
type EntryKind string

const (
	EntryEvent EntryKind = "event"
	EntryTask  EntryKind = "task"
)

// DefaultCategory is applied when extraction returns no category.
const DefaultCategory = "general"

// Draft is a structured, not-yet-synchronized calendar event or task produced
// by the extractor. A Kind of EntryEvent requires a non-zero Start; tasks may
// omit Start/End entirely and carry an optional Due instead.
type Draft struct {
	Kind        EntryKind
	Title       string
	Description string
	Location    string

	// Category is always lower-case and never empty; see NormalizeCategory.
	Category string

	// ColorHint is a free-form color name or id from the extraction output.
	// It takes precedence over the category color table when it normalizes
	// to a valid color id.
	ColorHint string

	Attendees []string

	Start    time.Time
	End      time.Time
	AllDay   bool
	Timezone string

	// Due applies to tasks only.
	Due time.Time
}

// NormalizeCategory lower-cases and trims a category label, substituting the
// default when the result is empty.
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return DefaultCategory
	}
	return c
}

// Timed reports whether the draft has a resolvable start time.
func (d Draft) Timed() bool {
	return !d.Start.IsZero()
}
