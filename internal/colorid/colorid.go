// Package colorid maps free-text category labels and color hints to Google
// Calendar color ids ("1".."11").
package colorid

import (
	"strconv"
	"strings"
)

// validIDs is the set of color ids the calendar service accepts.
var validIDs = map[string]bool{
	"1": true, "2": true, "3": true, "4": true, "5": true, "6": true,
	"7": true, "8": true, "9": true, "10": true, "11": true,
}

// nameToID maps official calendar color names and common aliases to ids.
var nameToID = map[string]string{
	"lavender":  "1",
	"sage":      "2",
	"grape":     "3",
	"flamingo":  "4",
	"banana":    "5",
	"tangerine": "6",
	"peacock":   "7",
	"graphite":  "8",
	"blueberry": "9",
	"basil":     "10",
	"tomato":    "11",

	"purple":  "3",
	"violet":  "3",
	"pink":    "4",
	"rose":    "4",
	"yellow":  "5",
	"orange":  "6",
	"teal":    "7",
	"cyan":    "7",
	"gray":    "8",
	"grey":    "8",
	"black":   "8",
	"blue":    "9",
	"navy":    "9",
	"green":   "10",
	"emerald": "10",
	"olive":   "10",
	"red":     "11",
	"crimson": "11",
	"scarlet": "11",
}

// Resolve maps a category label to a color id using the supplied table,
// falling back to def on a miss. Matching is case-insensitive. An empty
// return means the calendar service chooses the color.
func Resolve(category string, table map[string]string, def string) string {
	key := strings.ToLower(strings.TrimSpace(category))
	if key != "" {
		if id, ok := table[key]; ok {
			if norm := NormalizeHint(id); norm != "" {
				return norm
			}
		}
	}
	return NormalizeHint(def)
}

// NormalizeHint converts a free-form color hint (color id, "#7", color name,
// common alias) into a valid color id. Unrecognized hints normalize to "".
func NormalizeHint(hint string) string {
	text := strings.TrimSpace(hint)
	if text == "" {
		return ""
	}

	if validIDs[text] {
		return text
	}

	// Extract digits to handle inputs like "#11" or "color_07".
	var digits strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() > 0 {
		if n, err := strconv.Atoi(digits.String()); err == nil {
			if id := strconv.Itoa(n); validIDs[id] {
				return id
			}
		}
	}

	if id, ok := nameToID[strings.ToLower(text)]; ok {
		return id
	}

	return ""
}

// NormalizeTable lower-cases the keys of a category color table and drops
// entries whose value does not normalize to a valid color id.
func NormalizeTable(table map[string]string) map[string]string {
	normalized := make(map[string]string, len(table))
	for key, value := range table {
		category := strings.ToLower(strings.TrimSpace(key))
		id := NormalizeHint(value)
		if category != "" && id != "" {
			normalized[category] = id
		}
	}
	return normalized
}
