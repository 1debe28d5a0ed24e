// Package pipeline drives one raw input through extraction, color
// resolution, credential lookup, and synchronization, producing exactly one
// result per extracted draft.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/yfei/agendabot/internal/colorid"
	"github.com/yfei/agendabot/internal/gateway"
	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/store"
)

// ErrEmptyInput is returned as the whole-batch error when an input carries
// no processable payload.
var ErrEmptyInput = errors.New("input has no processable payload")

// Extractor turns a raw input into structured drafts using the given model
// selection. It is called at most once per input.
type Extractor interface {
	Extract(ctx context.Context, in model.RawInput, sel model.ModelSelection) (model.Extraction, error)
}

// Selection supplies the model selection in effect. The orchestrator reads
// it once per input so a concurrent switch cannot split a batch.
type Selection interface {
	Current() model.ModelSelection
}

// Credentials resolves a user's token source for external writes.
type Credentials interface {
	TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// Gateway performs one external write per call.
type Gateway interface {
	Sync(ctx context.Context, draft model.Draft, colorID string, ts oauth2.TokenSource) model.SyncResult
}

// Journal is the durable dedup record of completed syncs.
type Journal interface {
	LookupSync(ctx context.Context, idemKey string) (store.JournalEntry, bool, error)
	RecordSync(ctx context.Context, entry store.JournalEntry) error
}

// UsageLog is the audit sink for per-interaction token spend. A nil UsageLog
// disables the accounting.
type UsageLog interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
}

// Options tune the per-draft retry behavior.
type Options struct {
	// MaxAttempts is the total number of sync attempts per draft,
	// including the first. Zero means the default of 3.
	MaxAttempts int
	// Backoff is the base delay between attempts, scaled linearly by the
	// attempt number. Zero means the default of 2s.
	Backoff time.Duration
	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration)
}

// Orchestrator coordinates the stages. Errors in one draft never prevent
// attempts on its siblings, and extraction is never repeated.
type Orchestrator struct {
	extractor Extractor
	selection Selection
	creds     Credentials
	gw        Gateway
	journal   Journal
	usage     UsageLog

	colorTable   map[string]string
	defaultColor string

	opts Options
	log  *slog.Logger
}

// New builds an orchestrator. colorTable maps categories to color ids and is
// normalized once here.
func New(extractor Extractor, selection Selection, creds Credentials, gw Gateway, journal Journal, usage UsageLog, colorTable map[string]string, defaultColor string, log *slog.Logger, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.sleep == nil {
		opts.sleep = func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
	}
	return &Orchestrator{
		extractor:    extractor,
		selection:    selection,
		creds:        creds,
		gw:           gw,
		journal:      journal,
		usage:        usage,
		colorTable:   colorid.NormalizeTable(colorTable),
		defaultColor: defaultColor,
		opts:         opts,
		log:          log,
	}
}

// Process runs one raw input end to end. The returned batch carries a
// whole-batch Err only when extraction or credential lookup failed before
// any sync attempt; otherwise every extracted draft appears in Results, in
// extraction order, each marked synced or failed.
func (o *Orchestrator) Process(ctx context.Context, in model.RawInput) model.BatchResult {
	if in.Empty() {
		return model.BatchResult{Err: ErrEmptyInput}
	}

	// Snapshot the selection so a concurrent model switch cannot split
	// the batch across models.
	sel := o.selection.Current()

	ext, err := o.extractor.Extract(ctx, in, sel)
	if err != nil {
		o.log.Error("extraction failed", "source", string(in.Source), "error", err)
		return model.BatchResult{Err: err}
	}
	drafts := ext.Drafts
	if len(drafts) == 0 {
		o.log.Info("nothing schedulable extracted", "source", string(in.Source))
		o.recordUsage(ctx, in, ext, 0, 0)
		return model.BatchResult{}
	}

	ts, err := o.creds.TokenSource(ctx, in.UserID)
	if err != nil {
		o.log.Warn("credential lookup failed",
			"user", in.UserID, "drafts", len(drafts), "error", err)
		// Tokens were already spent on extraction, so the batch still
		// lands in the usage log.
		o.recordUsage(ctx, in, ext, 0, 0)
		return model.BatchResult{Err: err}
	}

	batch := model.BatchResult{Results: make([]model.SyncResult, 0, len(drafts))}
	for i, draft := range drafts {
		res := o.syncDraft(ctx, in, draft, i, ts)
		if res.Outcome == model.OutcomeSynced {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
		batch.Results = append(batch.Results, res)
	}
	o.recordUsage(ctx, in, ext, batch.Succeeded, batch.Failed)
	return batch
}

// recordUsage audits one completed extraction. Failures only weaken the
// usage report, never the batch.
func (o *Orchestrator) recordUsage(ctx context.Context, in model.RawInput, ext model.Extraction, synced, failed int) {
	if o.usage == nil {
		return
	}
	rec := model.UsageRecord{
		Source:           string(in.Source),
		UserID:           in.UserID,
		Model:            ext.Model,
		PromptTokens:     ext.Usage.PromptTokens,
		CompletionTokens: ext.Usage.CompletionTokens,
		Drafts:           len(ext.Drafts),
		Synced:           synced,
		Failed:           failed,
		OccurredAt:       time.Now().UTC(),
	}
	if err := o.usage.RecordUsage(ctx, rec); err != nil {
		o.log.Warn("recording usage failed", "model", rec.Model, "error", err)
	}
}

// syncDraft performs the dedup check, the write with bounded retries, and
// the journal record for one draft.
func (o *Orchestrator) syncDraft(ctx context.Context, in model.RawInput, draft model.Draft, index int, ts oauth2.TokenSource) model.SyncResult {
	key := idempotencyKey(in, index)

	if prior, ok, err := o.journal.LookupSync(ctx, key); err != nil {
		o.log.Warn("journal lookup failed", "key", key, "error", err)
	} else if ok {
		o.log.Info("draft already synced, skipping",
			"title", draft.Title, "external_id", prior.ExternalID)
		return model.SyncResult{
			Draft:        draft,
			Outcome:      model.OutcomeSynced,
			ExternalID:   prior.ExternalID,
			ExternalLink: prior.ExternalLink,
		}
	}

	colorID := o.resolveColor(draft)

	var res model.SyncResult
	for attempt := 1; ; attempt++ {
		res = o.gw.Sync(ctx, draft, colorID, ts)
		if res.Err == nil || !gateway.IsRetryable(res.Err) || attempt >= o.opts.MaxAttempts {
			break
		}
		delay := o.opts.Backoff * time.Duration(attempt)
		o.log.Warn("sync attempt failed, retrying",
			"title", draft.Title, "attempt", attempt, "delay", delay, "error", res.Err)
		o.opts.sleep(ctx, delay)
		if ctx.Err() != nil {
			break
		}
	}

	if res.Outcome == model.OutcomeSynced {
		entry := store.JournalEntry{
			IdemKey:      key,
			UserID:       in.UserID,
			Source:       string(in.Source),
			EntryKind:    string(draft.Kind),
			Title:        draft.Title,
			ExternalID:   res.ExternalID,
			ExternalLink: res.ExternalLink,
		}
		if err := o.journal.RecordSync(ctx, entry); err != nil {
			// The write already happened; a missing journal row only
			// weakens future dedup.
			o.log.Warn("recording sync journal entry failed", "key", key, "error", err)
		}
	} else {
		o.log.Error("draft failed to sync", "title", draft.Title, "error", res.Err)
	}
	return res
}

// resolveColor picks the event color: an explicit hint from the input wins,
// otherwise the category table decides.
func (o *Orchestrator) resolveColor(draft model.Draft) string {
	if hint := colorid.NormalizeHint(draft.ColorHint); hint != "" {
		return hint
	}
	return colorid.Resolve(draft.Category, o.colorTable, o.defaultColor)
}

// idempotencyKey derives a stable content hash for one draft position of one
// input, so a redelivered input cannot produce duplicate external writes.
func idempotencyKey(in model.RawInput, index int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", in.Source, in.UserID)
	if len(in.Image) > 0 {
		h.Write(in.Image)
	} else {
		h.Write([]byte(in.Text))
	}
	fmt.Fprintf(h, "|%d", index)
	return hex.EncodeToString(h.Sum(nil))
}
