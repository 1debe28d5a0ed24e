package selection

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/yfei/agendabot/internal/model"
)

type fakePersister struct {
	sel     model.ModelSelection
	ok      bool
	loadErr error
	saved   []model.ModelSelection
}

func (f *fakePersister) SaveSelection(ctx context.Context, sel model.ModelSelection) error {
	f.saved = append(f.saved, sel)
	f.sel = sel
	f.ok = true
	return nil
}

func (f *fakePersister) LoadSelection(ctx context.Context) (model.ModelSelection, bool, error) {
	return f.sel, f.ok, f.loadErr
}

func testConfig() model.LLMConfig {
	return model.LLMConfig{
		TextModel:     "alpha",
		VisionModel:   "alpha-vision",
		AllowedModels: []string{"alpha", "alpha-vision", "beta"},
	}
}

func newTestStore(t *testing.T, persist Persister) *Store {
	t.Helper()
	return New(context.Background(), testConfig(), persist, slog.New(slog.DiscardHandler))
}

func TestNewStartsFromConfigDefaults(t *testing.T) {
	s := newTestStore(t, &fakePersister{})
	sel := s.Current()
	if sel.TextModel != "alpha" || sel.VisionModel != "alpha-vision" {
		t.Fatalf("selection = %+v", sel)
	}
}

func TestNewRestoresPersistedSelection(t *testing.T) {
	persist := &fakePersister{
		sel: model.ModelSelection{TextModel: "beta", VisionModel: "alpha-vision"},
		ok:  true,
	}
	s := newTestStore(t, persist)
	if s.Current().TextModel != "beta" {
		t.Fatalf("persisted selection not restored: %+v", s.Current())
	}
}

func TestNewDiscardsPersistedModelOutsideAllowList(t *testing.T) {
	persist := &fakePersister{
		sel: model.ModelSelection{TextModel: "retired-model"},
		ok:  true,
	}
	s := newTestStore(t, persist)
	// A model removed from the allow-list must not survive a restart.
	if s.Current().TextModel != "alpha" {
		t.Fatalf("selection = %+v, want config default", s.Current())
	}
}

func TestSetValidatesAgainstAllowList(t *testing.T) {
	persist := &fakePersister{}
	s := newTestStore(t, persist)

	if err := s.Set(context.Background(), "beta", ""); err != nil {
		t.Fatal(err)
	}
	if s.Current().TextModel != "beta" {
		t.Fatalf("selection = %+v", s.Current())
	}
	if len(persist.saved) != 1 {
		t.Fatalf("saved %d times, want 1", len(persist.saved))
	}
}

func TestSetRejectionLeavesSelectionUnchanged(t *testing.T) {
	persist := &fakePersister{}
	s := newTestStore(t, persist)
	before := s.Current()

	err := s.Set(context.Background(), "nonexistent", "")

	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if invalid.Model != "nonexistent" || len(invalid.Allowed) == 0 {
		t.Fatalf("validation error = %+v", invalid)
	}
	if s.Current() != before {
		t.Fatalf("selection changed on rejection: %+v", s.Current())
	}
	if len(persist.saved) != 0 {
		t.Fatal("rejected selection must not be persisted")
	}
}

func TestSetMatchesCaseInsensitively(t *testing.T) {
	s := newTestStore(t, &fakePersister{})
	if err := s.Set(context.Background(), "BETA", ""); err != nil {
		t.Fatal(err)
	}
	// The canonical allow-list spelling wins.
	if s.Current().TextModel != "beta" {
		t.Fatalf("selection = %+v", s.Current())
	}
}

func TestSetInvalidVisionModelRejected(t *testing.T) {
	s := newTestStore(t, &fakePersister{})
	before := s.Current()

	if err := s.Set(context.Background(), "beta", "bogus-vision"); err == nil {
		t.Fatal("invalid vision model must be rejected")
	}
	if s.Current() != before {
		t.Fatal("selection changed on partial rejection")
	}
}

func TestSetVisionPinSurvivesTextSwitch(t *testing.T) {
	s := newTestStore(t, &fakePersister{})

	if err := s.Set(context.Background(), "alpha", "beta"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "alpha", ""); err != nil {
		t.Fatal(err)
	}
	if got := s.Current().VisionModel; got != "beta" {
		t.Fatalf("vision = %q, want pinned beta", got)
	}
}

func TestNewRestoresPersistedVisionPin(t *testing.T) {
	persist := &fakePersister{
		sel: model.ModelSelection{TextModel: "alpha", VisionModel: "beta"},
		ok:  true,
	}
	s := newTestStore(t, persist)
	// A stored vision pin outranks the configured default, and stays pinned
	// through later text-only switches.
	if got := s.Current().VisionModel; got != "beta" {
		t.Fatalf("vision = %q", got)
	}
	if err := s.Set(context.Background(), "alpha", ""); err != nil {
		t.Fatal(err)
	}
	if got := s.Current().VisionModel; got != "beta" {
		t.Fatalf("restored pin lost on text switch: %q", got)
	}
}

func TestSetUnpinnedSelectionFollowsTextModel(t *testing.T) {
	cfg := model.LLMConfig{TextModel: "alpha", AllowedModels: []string{"alpha", "beta"}}
	persist := &fakePersister{}
	s := New(context.Background(), cfg, persist, slog.New(slog.DiscardHandler))

	if err := s.Set(context.Background(), "beta", ""); err != nil {
		t.Fatal(err)
	}
	if got := s.Current().VisionModel; got != "beta" {
		t.Fatalf("vision = %q, want follow text", got)
	}
	// No pin means the persisted vision slot stays empty; the next restart
	// keeps following the text model.
	if persist.saved[0].VisionModel != "" {
		t.Fatalf("unpinned save stored vision %q", persist.saved[0].VisionModel)
	}
}

func TestAllowedIncludesConfiguredDefaults(t *testing.T) {
	cfg := model.LLMConfig{
		TextModel:     "alpha",
		AllowedModels: []string{"beta"},
	}
	s := New(context.Background(), cfg, &fakePersister{}, slog.New(slog.DiscardHandler))

	found := false
	for _, name := range s.Allowed() {
		if name == "alpha" {
			found = true
		}
	}
	if !found {
		t.Fatalf("defaults must always be allowed: %v", s.Allowed())
	}
}
