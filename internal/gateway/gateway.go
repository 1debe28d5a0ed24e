// Package gateway performs the external writes: one calendar event or task
// list insert per draft, with failures classified as retryable or permanent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/yfei/agendabot/internal/model"
)

// taskListURL is the generic list view; the task service has no stable
// per-item deep link.
const taskListURL = "https://tasks.google.com/"

// SyncError describes one draft's failed external write. Retryable errors
// (rate limits, timeouts, server trouble) may be retried by the caller;
// permanent ones must not be.
type SyncError struct {
	Retryable bool
	Reason    string
	Err       error
}

func (e *SyncError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("sync failed (%s): %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("sync failed (%s): %s", kind, e.Reason)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a SyncError marked retryable.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr) && syncErr.Retryable
}

// Gateway writes drafts to the external calendar and task lists. It performs
// no retries itself; one call is one external write.
type Gateway struct {
	calendarID string
	taskListID string
	log        *slog.Logger

	// opts is prepended to per-call client options so tests can point the
	// gateway at a local endpoint.
	opts []option.ClientOption
}

// New creates a gateway targeting the given calendar and task list.
func New(calendarID, taskListID string, log *slog.Logger, opts ...option.ClientOption) *Gateway {
	if calendarID == "" {
		calendarID = "primary"
	}
	if taskListID == "" {
		taskListID = "@default"
	}
	return &Gateway{calendarID: calendarID, taskListID: taskListID, log: log, opts: opts}
}

// Sync inserts one draft into the external service addressed by its kind and
// returns the per-draft outcome. The external identifier spaces of events and
// tasks are disjoint.
func (g *Gateway) Sync(ctx context.Context, draft model.Draft, colorID string, ts oauth2.TokenSource) model.SyncResult {
	result := model.SyncResult{Draft: draft}

	var (
		externalID string
		link       string
		err        error
	)

	switch draft.Kind {
	case model.EntryEvent:
		externalID, link, err = g.insertEvent(ctx, draft, colorID, ts)
	case model.EntryTask:
		externalID, link, err = g.insertTask(ctx, draft, ts)
	default:
		err = &SyncError{Reason: fmt.Sprintf("unknown entry kind %q", draft.Kind)}
	}

	if err != nil {
		result.Outcome = model.OutcomeFailed
		result.Err = err
		return result
	}

	result.Outcome = model.OutcomeSynced
	result.ExternalID = externalID
	result.ExternalLink = link
	g.log.Info("draft synced",
		"kind", string(draft.Kind), "title", draft.Title, "external_id", externalID)
	return result
}

func (g *Gateway) insertEvent(ctx context.Context, draft model.Draft, colorID string, ts oauth2.TokenSource) (string, string, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, g.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return "", "", &SyncError{Retryable: true, Reason: "creating calendar client", Err: err}
	}

	created, err := svc.Events.Insert(g.calendarID, buildEventBody(draft, colorID)).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return "", "", classify("inserting calendar event", err)
	}

	return created.Id, created.HtmlLink, nil
}

func (g *Gateway) insertTask(ctx context.Context, draft model.Draft, ts oauth2.TokenSource) (string, string, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, g.opts...)
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return "", "", &SyncError{Retryable: true, Reason: "creating tasks client", Err: err}
	}

	created, err := svc.Tasks.Insert(g.taskListID, buildTaskBody(draft)).
		Context(ctx).
		Do()
	if err != nil {
		return "", "", classify("inserting task", err)
	}

	return created.Id, taskListURL, nil
}

// buildEventBody converts an event draft into the calendar insert payload.
// All-day events use date-only start/end.
func buildEventBody(draft model.Draft, colorID string) *calendar.Event {
	event := &calendar.Event{
		Summary:     draft.Title,
		Description: draft.Description,
		Location:    draft.Location,
		ColorId:     colorID,
	}

	if draft.AllDay {
		end := draft.End
		if end.IsZero() || !end.After(draft.Start) {
			end = draft.Start.AddDate(0, 0, 1)
		}
		event.Start = &calendar.EventDateTime{Date: draft.Start.Format("2006-01-02")}
		event.End = &calendar.EventDateTime{Date: end.Format("2006-01-02")}
	} else {
		end := draft.End
		if end.IsZero() || !end.After(draft.Start) {
			end = draft.Start.Add(time.Hour)
		}
		event.Start = &calendar.EventDateTime{
			DateTime: draft.Start.Format(time.RFC3339),
			TimeZone: draft.Timezone,
		}
		event.End = &calendar.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: draft.Timezone,
		}
	}

	for _, attendee := range draft.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: attendee})
	}

	return event
}

// buildTaskBody converts a task draft into the task insert payload.
func buildTaskBody(draft model.Draft) *tasks.Task {
	task := &tasks.Task{
		Title: draft.Title,
		Notes: draft.Description,
	}
	if draft.Location != "" {
		if task.Notes != "" {
			task.Notes += "\n"
		}
		task.Notes += "Location: " + draft.Location
	}
	if !draft.Due.IsZero() {
		task.Due = draft.Due.UTC().Format(time.RFC3339)
	}
	return task
}

// classify sorts an external API failure into retryable or permanent.
func classify(reason string, err error) *SyncError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 408 || apiErr.Code == 429 || apiErr.Code >= 500:
			return &SyncError{Retryable: true, Reason: reason, Err: err}
		case apiErr.Code == 403 && hasRateLimitReason(apiErr):
			return &SyncError{Retryable: true, Reason: reason, Err: err}
		default:
			return &SyncError{Reason: reason, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SyncError{Retryable: true, Reason: reason, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncError{Retryable: true, Reason: reason, Err: err}
	}

	return &SyncError{Reason: reason, Err: err}
}

func hasRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
