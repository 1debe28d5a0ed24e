package email

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/source"
)

// processTimeout bounds one message's trip through extraction and sync.
const processTimeout = 3 * time.Minute

const defaultPollInterval = 120 * time.Second

// Adapter polls the mailbox for unread messages and feeds each one through
// the pipeline. A message is marked read exactly once, after its batch
// returns, whatever the per-draft outcomes were; a failed fetch marks
// nothing, so those messages are simply seen again next cycle.
type Adapter struct {
	mailbox  Mailbox
	proc     source.Processor
	notifier source.Notifier
	owner    string
	interval time.Duration
	log      *slog.Logger

	triggerCh chan struct{}
	stopCh    chan struct{}
	mu        gosync.Mutex
	running   bool
}

// NewAdapter wires a mailbox to the processor. notifier may be nil, in which
// case summaries are only logged. owner is the user id credited for every
// mail-derived input.
func NewAdapter(mailbox Mailbox, proc source.Processor, notifier source.Notifier, owner string, pollIntervalSec int, log *slog.Logger) *Adapter {
	interval := time.Duration(pollIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Adapter{
		mailbox:   mailbox,
		proc:      proc,
		notifier:  notifier,
		owner:     owner,
		interval:  interval,
		log:       log,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the polling loop. It returns immediately; Stop halts it.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	// A fresh channel each Start: Stop closes the previous one, so reusing
	// it would make a restarted loop exit immediately.
	a.stopCh = make(chan struct{})
	stop := a.stopCh
	a.mu.Unlock()

	go a.loop(stop)
}

// Stop halts the polling loop. It does not interrupt a cycle in flight.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	close(a.stopCh)
	a.running = false
}

// TriggerPoll requests an immediate cycle without waiting for the ticker.
func (a *Adapter) TriggerPoll() {
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// Initial cycle right away so a restart drains the backlog.
	a.PollOnce(context.Background())

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.PollOnce(context.Background())
		case <-a.triggerCh:
			a.PollOnce(context.Background())
		}
	}
}

// PollOnce runs a single fetch-process-acknowledge cycle. Messages are
// processed sequentially in mailbox order.
func (a *Adapter) PollOnce(ctx context.Context) {
	messages, err := a.mailbox.FetchUnread(ctx)
	if err != nil {
		// Transport failure: nothing was processed, nothing gets
		// marked read.
		a.log.Warn("mailbox fetch failed", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}
	a.log.Info("unread mail found", "count", len(messages))

	for _, msg := range messages {
		a.handleMessage(ctx, msg)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg Message) {
	msgCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	in := model.RawInput{
		Source:     model.SourceEmail,
		UserID:     a.owner,
		Text:       renderMessage(msg),
		ReceivedAt: msg.ReceivedAt,
		SourceRef:  fmt.Sprintf("%d", msg.UID),
	}

	batch := a.proc.Process(msgCtx, in)

	// The read flag is the dedup cursor for this channel. It is set once,
	// here, after processing returned; per-draft failures are reported in
	// the summary, not replayed. The sync journal catches the rare crash
	// between this point and the flag write.
	if err := a.mailbox.MarkRead(msgCtx, msg.UID); err != nil {
		a.log.Warn("marking mail read failed; message may be reprocessed",
			"uid", msg.UID, "error", err)
	}

	summary := fmt.Sprintf("Mail from %s — %q\n%s", msg.From, msg.Subject, source.FormatBatch(batch))
	if a.notifier != nil {
		if err := a.notifier.Notify(msgCtx, a.owner, summary); err != nil {
			a.log.Warn("mail summary notification failed", "uid", msg.UID, "error", err)
		}
	} else {
		a.log.Info("mail processed",
			"uid", msg.UID, "synced", batch.Succeeded, "failed", batch.Failed)
	}
}

// renderMessage flattens a mail into the text payload handed to extraction.
func renderMessage(msg Message) string {
	return fmt.Sprintf("Forwarded email from %s\nSubject: %s\n\n%s", msg.From, msg.Subject, msg.Body)
}
