package extract

import (
	"testing"
	"time"

	"github.com/yfei/agendabot/internal/model"
)

func TestDecodeDraftsPlainObject(t *testing.T) {
	raw := `{"items": [
		{"entry_type": "event", "title": "Standup", "start": "2026-03-02T09:30:00+01:00", "category": "work"},
		{"entry_type": "task", "title": "Pay rent", "due": "2026-03-05", "category": "finance"}
	]}`

	drafts, err := decodeDrafts(raw, "Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts = %d, want 2", len(drafts))
	}

	event := drafts[0]
	if event.Kind != model.EntryEvent || event.Title != "Standup" || event.Category != "work" {
		t.Fatalf("event = %+v", event)
	}
	if event.End.Sub(event.Start) != time.Hour {
		t.Fatalf("end should default to start+1h, got %v", event.End.Sub(event.Start))
	}

	task := drafts[1]
	if task.Kind != model.EntryTask || task.Due.IsZero() {
		t.Fatalf("task = %+v", task)
	}
}

func TestDecodeDraftsCodeFenced(t *testing.T) {
	raw := "Here is what I found:\n```json\n{\"items\": [{\"entry_type\": \"task\", \"title\": \"Call mom\"}]}\n```"

	drafts, err := decodeDrafts(raw, "UTC")
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 || drafts[0].Title != "Call mom" {
		t.Fatalf("drafts = %+v", drafts)
	}
}

func TestDecodeDraftsBareListAndSingleObject(t *testing.T) {
	list := `[{"entry_type": "task", "title": "a"}, {"entry_type": "task", "title": "b"}]`
	drafts, err := decodeDrafts(list, "UTC")
	if err != nil || len(drafts) != 2 {
		t.Fatalf("bare list: %v, %d drafts", err, len(drafts))
	}

	single := `{"entry_type": "task", "title": "solo"}`
	drafts, err = decodeDrafts(single, "UTC")
	if err != nil || len(drafts) != 1 || drafts[0].Title != "solo" {
		t.Fatalf("single object: %v, %+v", err, drafts)
	}
}

func TestDecodeDraftsEmptyItemsMeansNoDrafts(t *testing.T) {
	drafts, err := decodeDrafts(`{"items": []}`, "UTC")
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Fatalf("drafts = %+v, want none", drafts)
	}
}

func TestDecodeDraftsGarbageIsAnError(t *testing.T) {
	if _, err := decodeDrafts("I couldn't find anything, sorry!", "UTC"); err == nil {
		t.Fatal("prose without JSON must fail")
	}
}

func TestEventWithoutStartBecomesTask(t *testing.T) {
	raw := `{"items": [{"entry_type": "event", "title": "Sometime dinner", "start": "next week-ish", "due": "2026-04-01"}]}`

	drafts, err := decodeDrafts(raw, "UTC")
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 {
		t.Fatalf("the malformed event must be kept, got %d drafts", len(drafts))
	}
	draft := drafts[0]
	if draft.Kind != model.EntryTask {
		t.Fatalf("kind = %q, want task downgrade", draft.Kind)
	}
	if draft.Due.IsZero() {
		t.Fatal("due should survive the downgrade")
	}
}

func TestAllDayEventEndsDayAfter(t *testing.T) {
	raw := `{"items": [{"entry_type": "event", "title": "Conference", "start": "2026-09-10", "all_day": true}]}`

	drafts, err := decodeDrafts(raw, "UTC")
	if err != nil {
		t.Fatal(err)
	}
	draft := drafts[0]
	if !draft.AllDay {
		t.Fatal("all_day flag lost")
	}
	if draft.End.Sub(draft.Start) != 24*time.Hour {
		t.Fatalf("all-day end = %v after start", draft.End.Sub(draft.Start))
	}
}

func TestOffsetlessTimesUseFallbackZone(t *testing.T) {
	raw := `{"items": [{"entry_type": "event", "title": "Lunch", "start": "2026-07-01 12:00"}]}`

	drafts, err := decodeDrafts(raw, "America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 7, 1, 12, 0, 0, 0, mustLoad(t, "America/New_York"))
	if !drafts[0].Start.Equal(want) {
		t.Fatalf("start = %v, want %v", drafts[0].Start, want)
	}
}

func TestAttendeesListOrCommaString(t *testing.T) {
	asList := `{"items": [{"entry_type": "event", "title": "x", "start": "2026-01-01T10:00:00Z", "attendees": ["a@x.com", " b@x.com "]}]}`
	drafts, _ := decodeDrafts(asList, "UTC")
	if len(drafts[0].Attendees) != 2 || drafts[0].Attendees[1] != "b@x.com" {
		t.Fatalf("attendees = %v", drafts[0].Attendees)
	}

	asString := `{"items": [{"entry_type": "event", "title": "x", "start": "2026-01-01T10:00:00Z", "attendees": "a@x.com, b@x.com"}]}`
	drafts, _ = decodeDrafts(asString, "UTC")
	if len(drafts[0].Attendees) != 2 {
		t.Fatalf("attendees = %v", drafts[0].Attendees)
	}
}

func TestColorHintNormalizedDuringDecode(t *testing.T) {
	raw := `{"items": [{"entry_type": "event", "title": "x", "start": "2026-01-01T10:00:00Z", "color": "tomato"}]}`
	drafts, _ := decodeDrafts(raw, "UTC")
	if drafts[0].ColorHint != "11" {
		t.Fatalf("color hint = %q, want 11", drafts[0].ColorHint)
	}
}

func TestUnknownCategoryNormalized(t *testing.T) {
	raw := `{"items": [{"entry_type": "task", "title": "x", "category": "  WORK "}]}`
	drafts, _ := decodeDrafts(raw, "UTC")
	if drafts[0].Category != "work" {
		t.Fatalf("category = %q", drafts[0].Category)
	}

	raw = `{"items": [{"entry_type": "task", "title": "x"}]}`
	drafts, _ = decodeDrafts(raw, "UTC")
	if drafts[0].Category != model.DefaultCategory {
		t.Fatalf("category = %q, want default", drafts[0].Category)
	}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone db unavailable: %v", err)
	}
	return loc
}
