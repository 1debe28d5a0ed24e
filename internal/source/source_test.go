package source

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yfei/agendabot/internal/model"
)

func TestFormatBatchWholeFailure(t *testing.T) {
	batch := model.BatchResult{Err: errors.New("extraction failed: service error (503)")}
	got := FormatBatch(batch)
	if !strings.Contains(got, "couldn't process") || !strings.Contains(got, "503") {
		t.Fatalf("got %q", got)
	}
}

func TestFormatBatchNothingFound(t *testing.T) {
	got := FormatBatch(model.BatchResult{})
	if !strings.Contains(got, "didn't find anything") {
		t.Fatalf("got %q", got)
	}
}

func TestFormatBatchMixedResults(t *testing.T) {
	start := time.Date(2026, 5, 8, 19, 0, 0, 0, time.UTC)
	batch := model.BatchResult{
		Succeeded: 1,
		Failed:    1,
		Results: []model.SyncResult{
			{
				Draft:        model.Draft{Kind: model.EntryEvent, Title: "Dinner", Start: start},
				Outcome:      model.OutcomeSynced,
				ExternalLink: "https://example.com/e1",
			},
			{
				Draft:   model.Draft{Kind: model.EntryTask, Title: "RSVP"},
				Outcome: model.OutcomeFailed,
				Err:     errors.New("sync failed (permanent): forbidden"),
			},
		},
	}

	got := FormatBatch(batch)

	if !strings.Contains(got, "1 synced, 1 failed") {
		t.Fatalf("tally missing: %q", got)
	}
	if !strings.Contains(got, "Event: Dinner (Fri May 8, 19:00)") {
		t.Fatalf("event line missing or wrong: %q", got)
	}
	if !strings.Contains(got, "https://example.com/e1") {
		t.Fatalf("link missing: %q", got)
	}
	if !strings.Contains(got, "✗ Task: RSVP") || !strings.Contains(got, "forbidden") {
		t.Fatalf("failure line missing: %q", got)
	}
}

func TestFormatBatchAllDayEvent(t *testing.T) {
	batch := model.BatchResult{
		Succeeded: 1,
		Results: []model.SyncResult{{
			Draft: model.Draft{
				Kind:   model.EntryEvent,
				Title:  "Offsite",
				Start:  time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC),
				AllDay: true,
			},
			Outcome: model.OutcomeSynced,
		}},
	}
	if got := FormatBatch(batch); !strings.Contains(got, "all day") {
		t.Fatalf("got %q", got)
	}
}
