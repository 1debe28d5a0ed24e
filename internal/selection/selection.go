// Package selection manages the process-wide extraction model choice: an
// allow-list-validated text/vision model pair persisted across restarts.
package selection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/yfei/agendabot/internal/model"
)

// ValidationError reports a rejected model selection. The prior selection
// stays in effect.
type ValidationError struct {
	Model   string
	Allowed []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model %q is not in the allow-list (%s)",
		e.Model, strings.Join(e.Allowed, ", "))
}

// Persister is the durable storage for the selection. Implemented by
// store.SQLiteStore.
type Persister interface {
	SaveSelection(ctx context.Context, sel model.ModelSelection) error
	LoadSelection(ctx context.Context) (model.ModelSelection, bool, error)
}

// Store serializes reads and writes of the current selection. Callers capture
// the selection once at the start of an extraction call; a concurrent switch
// never applies mid-batch.
type Store struct {
	mu      sync.Mutex
	current model.ModelSelection

	// pinnedVision, when non-empty, keeps the vision model fixed across
	// text-model switches.
	pinnedVision string
	allowed      []string
	persist      Persister
	log          *slog.Logger
}

// New builds a selection store seeded from configuration and, when available,
// the persisted state. A persisted selection that no longer passes the
// allow-list is discarded in favor of the configured defaults.
func New(ctx context.Context, cfg model.LLMConfig, persist Persister, log *slog.Logger) *Store {
	allowed := normalizeAllowList(cfg.AllowedModels, cfg.TextModel, cfg.VisionModel)

	s := &Store{
		current: model.ModelSelection{
			TextModel:   cfg.TextModel,
			VisionModel: cfg.VisionModel,
		},
		pinnedVision: cfg.VisionModel,
		allowed:      allowed,
		persist:      persist,
		log:          log,
	}

	if persist == nil {
		return s
	}

	saved, ok, err := persist.LoadSelection(ctx)
	if err != nil {
		// Unreadable persisted state degrades to defaults per the error
		// policy; it never prevents startup.
		log.Warn("discarding unreadable model selection state", "err", err)
		return s
	}
	if !ok {
		return s
	}

	if matched := s.matchAllowed(saved.TextModel); matched != "" {
		s.current.TextModel = matched
		// A persisted vision model is a pin from an earlier explicit
		// switch; it outranks the configured default.
		if saved.VisionModel != "" {
			if vision := s.matchAllowed(saved.VisionModel); vision != "" {
				s.current.VisionModel = vision
				s.pinnedVision = vision
			}
		}
	} else if saved.TextModel != "" {
		log.Warn("persisted model no longer allowed, using defaults",
			"model", saved.TextModel)
	}

	return s
}

// Current returns the selection in effect right now.
func (s *Store) Current() model.ModelSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Allowed returns the allow-list in configured order.
func (s *Store) Allowed() []string {
	out := make([]string, len(s.allowed))
	copy(out, s.allowed)
	return out
}

// Set switches the text model (and optionally the vision model) after
// validating both against the allow-list. A rejected selection leaves the
// prior one unchanged and returns a ValidationError.
func (s *Store) Set(ctx context.Context, textModel, visionModel string) error {
	matched := s.matchAllowed(textModel)
	if matched == "" {
		return &ValidationError{Model: textModel, Allowed: s.Allowed()}
	}

	s.mu.Lock()
	pin := s.pinnedVision
	if visionModel != "" {
		v := s.matchAllowed(visionModel)
		if v == "" {
			s.mu.Unlock()
			return &ValidationError{Model: visionModel, Allowed: s.Allowed()}
		}
		// An explicit vision switch moves the pin, so later text-only
		// switches keep it.
		pin = v
		s.pinnedVision = v
	}
	vision := pin
	if vision == "" {
		vision = matched
	}
	s.current = model.ModelSelection{TextModel: matched, VisionModel: vision}
	sel := s.current
	s.mu.Unlock()

	if s.persist != nil {
		// The vision slot persists the pin, not the follow-the-text value,
		// so an unpinned selection still follows after a restart.
		saved := model.ModelSelection{TextModel: matched, VisionModel: pin}
		if err := s.persist.SaveSelection(ctx, saved); err != nil {
			s.log.Warn("failed to persist model selection", "err", err)
		}
	}

	s.log.Info("model selection changed", "text_model", sel.TextModel, "vision_model", sel.VisionModel)
	return nil
}

// matchAllowed returns the canonical allow-list entry for a name, matched
// case-insensitively, or "" when absent.
func (s *Store) matchAllowed(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if lowered == "" {
		return ""
	}
	for _, candidate := range s.allowed {
		if strings.ToLower(candidate) == lowered {
			return candidate
		}
	}
	return ""
}

// normalizeAllowList dedupes the configured allow-list, always admitting the
// configured defaults.
func normalizeAllowList(configured []string, defaults ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range append(append([]string{}, configured...), defaults...) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
