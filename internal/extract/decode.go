package extract

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/yfei/agendabot/internal/colorid"
	"github.com/yfei/agendabot/internal/model"
)

// rawItem mirrors the JSON schema the extraction prompt asks for. Alternate
// field names seen in the wild are tolerated.
type rawItem struct {
	EntryType string          `json:"entry_type"`
	Type      string          `json:"type"`
	HasEvent  *bool           `json:"has_event"`
	Title     string          `json:"title"`
	Start     string          `json:"start"`
	StartTime string          `json:"start_time"`
	End       string          `json:"end"`
	EndTime   string          `json:"end_time"`
	Due       string          `json:"due"`
	Timezone  string          `json:"timezone"`
	Location  string          `json:"location"`
	Desc      string          `json:"description"`
	Notes     string          `json:"notes"`
	Attendees json.RawMessage `json:"attendees"`
	AllDay    bool            `json:"all_day"`
	Category  string          `json:"category"`
	Color     string          `json:"color"`
	ColorID   string          `json:"color_id"`
}

// decodeDrafts recovers a JSON payload from raw model output and coerces each
// item into a Draft satisfying the draft invariants. Items that claim to be
// events but have no parseable start are downgraded to tasks rather than
// dropped, so the user still learns about the partial parse.
func decodeDrafts(raw, defaultTZ string) ([]model.Draft, error) {
	payload, err := recoverJSON(raw)
	if err != nil {
		return nil, err
	}

	items := collectItems(payload)

	drafts := make([]model.Draft, 0, len(items))
	for _, data := range items {
		var item rawItem
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		if item.HasEvent != nil && !*item.HasEvent {
			continue
		}
		drafts = append(drafts, itemToDraft(item, defaultTZ))
	}

	return drafts, nil
}

// recoverJSON extracts a JSON value from model output that may be wrapped in
// code fences or prose.
func recoverJSON(raw string) (json.RawMessage, error) {
	candidates := []string{stripCodeFences(raw), strings.TrimSpace(raw)}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}

	// Fallback: slice between the outermost braces or brackets.
	normalized := stripCodeFences(raw)
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(normalized, pair[0])
		end := strings.LastIndex(normalized, pair[1])
		if start == -1 || end == -1 || end <= start {
			continue
		}
		snippet := normalized[start : end+1]
		if json.Valid([]byte(snippet)) {
			return json.RawMessage(snippet), nil
		}
	}

	return nil, &Error{Reason: "no valid JSON in model output"}
}

// stripCodeFences removes a surrounding ``` or ```json fence if present.
func stripCodeFences(text string) string {
	stripped := strings.TrimSpace(text)
	if !strings.HasPrefix(stripped, "```") {
		return stripped
	}
	parts := strings.Split(stripped, "```")
	if len(parts) < 3 {
		return stripped
	}
	candidate := strings.TrimLeft(parts[1], " \t")
	if strings.HasPrefix(strings.ToLower(candidate), "json") {
		if i := strings.Index(candidate, "\n"); i >= 0 {
			candidate = candidate[i+1:]
		} else {
			candidate = ""
		}
	}
	return strings.TrimSpace(candidate)
}

// collectItems accepts {"items": [...]}, {"events": [...]}, a bare list, or a
// single object, and returns the individual item payloads.
func collectItems(payload json.RawMessage) []json.RawMessage {
	var wrapper struct {
		Items  []json.RawMessage `json:"items"`
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil {
		if len(wrapper.Items) > 0 {
			return wrapper.Items
		}
		if len(wrapper.Events) > 0 {
			return wrapper.Events
		}
	}

	var list []json.RawMessage
	if err := json.Unmarshal(payload, &list); err == nil {
		return list
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err == nil && len(obj) > 0 {
		// A wrapper whose list was present but empty is a valid zero-draft
		// response, not a single item.
		if _, ok := obj["items"]; ok {
			return nil
		}
		if _, ok := obj["events"]; ok {
			return nil
		}
		return []json.RawMessage{payload}
	}

	return nil
}

// itemToDraft coerces one raw item into a Draft that satisfies the invariants:
// events must have a start; anything else becomes a task.
func itemToDraft(item rawItem, defaultTZ string) model.Draft {
	tz := item.Timezone
	if tz == "" {
		tz = defaultTZ
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = "Untitled"
	}

	description := strings.TrimSpace(item.Desc)
	if description == "" {
		description = strings.TrimSpace(item.Notes)
	}

	draft := model.Draft{
		Title:       title,
		Description: description,
		Location:    strings.TrimSpace(item.Location),
		Category:    model.NormalizeCategory(item.Category),
		Attendees:   parseAttendees(item.Attendees),
		AllDay:      item.AllDay,
		Timezone:    tz,
	}

	if hint := item.ColorID; hint != "" {
		draft.ColorHint = colorid.NormalizeHint(hint)
	} else {
		draft.ColorHint = colorid.NormalizeHint(item.Color)
	}

	startRaw := item.Start
	if startRaw == "" {
		startRaw = item.StartTime
	}
	endRaw := item.End
	if endRaw == "" {
		endRaw = item.EndTime
	}

	start, startOK := parseDatetime(startRaw, tz)

	kind := strings.ToLower(item.EntryType)
	if kind == "" {
		kind = strings.ToLower(item.Type)
	}

	wantsEvent := kind == string(model.EntryEvent) || (kind == "" && startOK)
	if wantsEvent && startOK {
		draft.Kind = model.EntryEvent
		draft.Start = start
		if end, ok := parseDatetime(endRaw, tz); ok && end.After(start) {
			draft.End = end
		} else if item.AllDay {
			draft.End = start.AddDate(0, 0, 1)
		} else {
			draft.End = start.Add(time.Hour)
		}
		return draft
	}

	// Task: either declared as one, or an event whose start failed to parse.
	draft.Kind = model.EntryTask
	if due, ok := parseDatetime(item.Due, tz); ok {
		draft.Due = due
	}
	return draft
}

// datetimeLayouts are tried in order for timestamps without an offset.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDatetime parses an ISO-ish timestamp, interpreting offset-less values
// in the fallback timezone (UTC when the zone name is unknown).
func parseDatetime(value, fallbackTZ string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}

	loc, err := time.LoadLocation(fallbackTZ)
	if err != nil {
		loc = time.UTC
	}

	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// parseAttendees accepts either a JSON list of strings or a single
// comma-separated string.
func parseAttendees(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out := list[:0]
		for _, a := range list {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		var out []string
		for _, a := range strings.Split(joined, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
		return out
	}

	return nil
}
