// Package source defines the contract between channel adapters (chat,
// email) and the processing pipeline, plus the shared batch summary
// formatting every channel reports back with.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yfei/agendabot/internal/model"
)

// TransportError indicates the channel itself failed: the mailbox was
// unreachable, a fetch broke mid-way, an acknowledgment could not be
// delivered. Inputs affected by a transport failure are redelivered on the
// next cycle, so no acknowledgment may follow one.
type TransportError struct {
	Source model.InputSource
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s: %v", e.Source, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// Processor consumes one raw input and reports per-draft outcomes.
type Processor interface {
	Process(ctx context.Context, in model.RawInput) model.BatchResult
}

// Notifier delivers a human-readable message back to a user's chat.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// FormatBatch renders a batch outcome as the summary text a channel sends
// back to the user. Every processed input gets a summary, including batches
// where nothing succeeded.
func FormatBatch(batch model.BatchResult) string {
	if batch.Failure() {
		return "Sorry, I couldn't process that: " + describeFailure(batch.Err)
	}
	if len(batch.Results) == 0 {
		return "I didn't find anything to schedule in that."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d item(s): %d synced, %d failed.\n",
		len(batch.Results), batch.Succeeded, batch.Failed)
	for _, res := range batch.Results {
		b.WriteString(formatResult(res))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatResult(res model.SyncResult) string {
	label := "Task"
	when := ""
	if res.Draft.Kind == model.EntryEvent {
		label = "Event"
		when = " (" + formatWhen(res.Draft) + ")"
	} else if !res.Draft.Due.IsZero() {
		when = " (due " + res.Draft.Due.Format("Mon Jan 2") + ")"
	}

	if res.Outcome == model.OutcomeSynced {
		line := fmt.Sprintf("✓ %s: %s%s", label, res.Draft.Title, when)
		if res.ExternalLink != "" {
			line += "\n  " + res.ExternalLink
		}
		return line
	}
	return fmt.Sprintf("✗ %s: %s%s — %s", label, res.Draft.Title, when, describeFailure(res.Err))
}

func formatWhen(draft model.Draft) string {
	if draft.AllDay {
		return draft.Start.Format("Mon Jan 2") + ", all day"
	}
	return draft.Start.Format("Mon Jan 2, 15:04")
}

// describeFailure turns an error chain into a short plain-language note.
func describeFailure(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	return msg
}
