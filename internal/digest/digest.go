// Package digest sends the owner a morning agenda: today's calendar events
// and the tasks due by end of day.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/yfei/agendabot/internal/source"
)

const runTimeout = 2 * time.Minute

// Credentials resolves the owner's token source.
type Credentials interface {
	TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// Digest assembles and delivers the daily agenda on a cron schedule.
type Digest struct {
	creds      Credentials
	notifier   source.Notifier
	owner      string
	calendarID string
	taskListID string
	location   *time.Location
	log        *slog.Logger

	cron *cron.Cron
	opts []option.ClientOption
}

// New builds a digest. timezone falls back to UTC if it does not parse.
func New(creds Credentials, notifier source.Notifier, owner, calendarID, taskListID, timezone string, log *slog.Logger, opts ...option.ClientOption) *Digest {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn("invalid digest timezone, using UTC", "timezone", timezone)
		loc = time.UTC
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	if taskListID == "" {
		taskListID = "@default"
	}
	return &Digest{
		creds:      creds,
		notifier:   notifier,
		owner:      owner,
		calendarID: calendarID,
		taskListID: taskListID,
		location:   loc,
		log:        log,
		opts:       opts,
	}
}

// Start schedules the digest. schedule is a standard 5-field cron
// expression, e.g. "0 7 * * *" for 07:00 daily.
func (d *Digest) Start(schedule string) error {
	d.cron = cron.New(cron.WithLocation(d.location))
	if _, err := d.cron.AddFunc(schedule, d.runScheduled); err != nil {
		return fmt.Errorf("scheduling digest %q: %w", schedule, err)
	}
	d.cron.Start()
	d.log.Info("daily digest scheduled", "schedule", schedule, "timezone", d.location.String())
	return nil
}

// Stop halts the schedule, waiting for a run in flight.
func (d *Digest) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

func (d *Digest) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		d.log.Warn("daily digest failed", "error", err)
	}
}

// Run assembles today's agenda and sends it. Exported so a chat command or
// test can trigger it outside the schedule.
func (d *Digest) Run(ctx context.Context) error {
	ts, err := d.creds.TokenSource(ctx, d.owner)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	now := time.Now().In(d.location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.location)
	dayEnd := dayStart.AddDate(0, 0, 1)

	events, err := d.listEvents(ctx, ts, dayStart, dayEnd)
	if err != nil {
		return err
	}
	tasks, err := d.listTasksDue(ctx, ts, dayEnd)
	if err != nil {
		return err
	}

	return d.notifier.Notify(ctx, d.owner, renderAgenda(now, events, tasks))
}

func (d *Digest) listEvents(ctx context.Context, ts oauth2.TokenSource, from, to time.Time) ([]*calendar.Event, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, d.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar client: %w", err)
	}

	list, err := svc.Events.List(d.calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(50).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("listing today's events: %w", err)
	}
	return list.Items, nil
}

func (d *Digest) listTasksDue(ctx context.Context, ts oauth2.TokenSource, dueMax time.Time) ([]*tasks.Task, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, d.opts...)
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating tasks client: %w", err)
	}

	list, err := svc.Tasks.List(d.taskListID).
		ShowCompleted(false).
		DueMax(dueMax.Format(time.RFC3339)).
		MaxResults(50).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("listing due tasks: %w", err)
	}
	return list.Items, nil
}

// renderAgenda formats the digest text.
func renderAgenda(day time.Time, events []*calendar.Event, due []*tasks.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agenda for %s\n", day.Format("Monday, Jan 2"))

	if len(events) == 0 {
		b.WriteString("\nNo events today.\n")
	} else {
		b.WriteString("\nEvents:\n")
		for _, ev := range events {
			fmt.Fprintf(&b, "• %s — %s\n", eventTime(ev, day.Location()), ev.Summary)
		}
	}

	if len(due) == 0 {
		b.WriteString("\nNo tasks due.\n")
	} else {
		b.WriteString("\nTasks due:\n")
		for _, task := range due {
			b.WriteString("• " + task.Title + "\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func eventTime(ev *calendar.Event, loc *time.Location) string {
	if ev.Start == nil {
		return "?"
	}
	if ev.Start.Date != "" {
		return "all day"
	}
	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return ev.Start.DateTime
	}
	return start.In(loc).Format("15:04")
}
