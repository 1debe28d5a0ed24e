// Package tests holds cross-package integration tests that exercise the
// pipeline against the real sqlite store.
package tests

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/pipeline"
	"github.com/yfei/agendabot/tests/testutil"
)

type stubExtractor struct {
	drafts []model.Draft
	calls  int
}

func (s *stubExtractor) Extract(ctx context.Context, in model.RawInput, sel model.ModelSelection) (model.Extraction, error) {
	s.calls++
	return model.Extraction{
		Drafts: s.drafts,
		Model:  sel.TextModel,
		Usage:  model.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

type stubSelection struct{}

func (stubSelection) Current() model.ModelSelection {
	return model.ModelSelection{TextModel: "m"}
}

type stubCreds struct{}

func (stubCreds) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"}), nil
}

type stubGateway struct{ calls int }

func (s *stubGateway) Sync(ctx context.Context, draft model.Draft, colorID string, ts oauth2.TokenSource) model.SyncResult {
	s.calls++
	return model.SyncResult{
		Draft:        draft,
		Outcome:      model.OutcomeSynced,
		ExternalID:   "ext-1",
		ExternalLink: "https://example.com/ext-1",
	}
}

// A redelivered input must not reach the external service again, even
// across a process restart, because the journal lives in sqlite.
func TestJournalDedupeSurvivesRestart(t *testing.T) {
	st := testutil.NewTestStore(t)
	log := slog.New(slog.DiscardHandler)
	in := model.RawInput{Source: model.SourceEmail, UserID: "owner", Text: "dinner friday 7pm"}
	drafts := []model.Draft{{
		Kind:  model.EntryEvent,
		Title: "Dinner",
		Start: time.Date(2026, 5, 8, 19, 0, 0, 0, time.UTC),
	}}

	gw := &stubGateway{}
	first := pipeline.New(&stubExtractor{drafts: drafts}, stubSelection{}, stubCreds{}, gw, st, st,
		nil, "", log, pipeline.Options{})
	batch := first.Process(context.Background(), in)
	if batch.Succeeded != 1 || gw.calls != 1 {
		t.Fatalf("first run: %+v, gateway calls %d", batch, gw.calls)
	}

	// A fresh orchestrator over the same store stands in for a restart.
	second := pipeline.New(&stubExtractor{drafts: drafts}, stubSelection{}, stubCreds{}, gw, st, st,
		nil, "", log, pipeline.Options{})
	batch = second.Process(context.Background(), in)
	if gw.calls != 1 {
		t.Fatalf("redelivery reached the gateway: %d calls", gw.calls)
	}
	if batch.Succeeded != 1 || batch.Results[0].ExternalID != "ext-1" {
		t.Fatalf("redelivery should report the original sync: %+v", batch.Results)
	}

	// Both interactions spent tokens, so both land in the usage log.
	summary, err := st.UsageSummary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(summary) != 1 || summary[0].Calls != 2 || summary[0].PromptTokens != 20 {
		t.Fatalf("usage summary = %+v", summary)
	}
}
