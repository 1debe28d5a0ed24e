// Package chat routes chat messages: slash commands are handled locally,
// everything else goes through the pipeline and comes back as a summary.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yfei/agendabot/internal/auth"
	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/selection"
	"github.com/yfei/agendabot/internal/source"
)

// Update is one incoming chat message from the transport.
type Update struct {
	UserID     string
	MessageID  string
	Text       string
	Image      []byte
	ImageMIME  string
	ReceivedAt time.Time
}

// Transport connects the adapter to a concrete chat service. Updates yields
// incoming messages until closed; Send delivers a reply.
type Transport interface {
	Updates() <-chan Update
	Send(ctx context.Context, userID, text string) error
}

// Authorizer is the slice of the credential manager the command router
// needs.
type Authorizer interface {
	BeginAuth(userID string) (string, error)
	SubmitCode(ctx context.Context, userID, raw string) error
	Cancel(userID string) bool
	Revoke(ctx context.Context, userID string) error
	SessionState(ctx context.Context, userID string) auth.State
}

// ModelSwitcher exposes the model selection commands.
type ModelSwitcher interface {
	Current() model.ModelSelection
	Allowed() []string
	Set(ctx context.Context, textModel, visionModel string) error
}

// UsageReporter summarizes extraction token spend for the /usage command.
type UsageReporter interface {
	UsageSummary(ctx context.Context) ([]model.ModelUsage, error)
}

const helpText = `I turn messages, forwarded emails, and photos of posters into calendar events and tasks.

Send me text or a photo and I'll schedule what I find.

Commands:
/model — show the extraction models in use
/model <name> — switch the text model
/model vision <name> — switch the vision model
/usage — show model token usage
/auth — connect your calendar
/code <code> — finish connecting with the code you were given
/cancel — abandon a pending /auth
/revoke — disconnect your calendar
/help — this message`

// Adapter is the chat channel: a command router in front of the pipeline.
type Adapter struct {
	transport Transport
	proc      source.Processor
	authz     Authorizer
	models    ModelSwitcher
	usage     UsageReporter
	owner     string
	log       *slog.Logger
}

// NewAdapter builds the chat adapter. If owner is non-empty, messages from
// anyone else are refused. usage may be nil, which disables /usage.
func NewAdapter(transport Transport, proc source.Processor, authz Authorizer, models ModelSwitcher, usage UsageReporter, owner string, log *slog.Logger) *Adapter {
	return &Adapter{
		transport: transport,
		proc:      proc,
		authz:     authz,
		models:    models,
		usage:     usage,
		owner:     owner,
		log:       log,
	}
}

// Notify implements source.Notifier so other channels (email, digest) can
// report into the same chat.
func (a *Adapter) Notify(ctx context.Context, userID, text string) error {
	return a.transport.Send(ctx, userID, text)
}

// Run consumes updates until the context is done or the transport closes.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-a.transport.Updates():
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, update)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update Update) {
	if a.owner != "" && update.UserID != a.owner {
		a.log.Warn("message from unknown user ignored", "user", update.UserID)
		a.reply(ctx, update.UserID, "Sorry, this assistant is private.")
		return
	}

	text := strings.TrimSpace(update.Text)
	if strings.HasPrefix(text, "/") && len(update.Image) == 0 {
		a.handleCommand(ctx, update.UserID, text)
		return
	}

	a.processContent(ctx, update)
}

func (a *Adapter) handleCommand(ctx context.Context, userID, text string) {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	args := fields[1:]

	switch command {
	case "/start", "/help":
		a.reply(ctx, userID, helpText)
	case "/model":
		a.handleModel(ctx, userID, args)
	case "/usage":
		a.handleUsage(ctx, userID)
	case "/auth":
		a.handleAuth(ctx, userID)
	case "/code":
		a.handleCode(ctx, userID, strings.TrimSpace(strings.TrimPrefix(text, fields[0])))
	case "/cancel":
		if a.authz.Cancel(userID) {
			a.reply(ctx, userID, "Authorization request cancelled.")
		} else {
			a.reply(ctx, userID, "Nothing to cancel.")
		}
	case "/revoke":
		if err := a.authz.Revoke(ctx, userID); err != nil {
			a.reply(ctx, userID, "Couldn't disconnect: "+err.Error())
		} else {
			a.reply(ctx, userID, "Calendar disconnected. Use /auth to reconnect.")
		}
	default:
		a.reply(ctx, userID, "Unknown command. Try /help.")
	}
}

func (a *Adapter) handleModel(ctx context.Context, userID string, args []string) {
	if len(args) == 0 {
		sel := a.models.Current()
		a.reply(ctx, userID, fmt.Sprintf(
			"Text model: %s\nVision model: %s\nAvailable: %s",
			sel.TextModel, sel.VisionModel, strings.Join(a.models.Allowed(), ", ")))
		return
	}

	var err error
	if strings.EqualFold(args[0], "vision") && len(args) > 1 {
		err = a.models.Set(ctx, a.models.Current().TextModel, args[1])
	} else {
		err = a.models.Set(ctx, args[0], "")
	}

	var invalid *selection.ValidationError
	switch {
	case errors.As(err, &invalid):
		a.reply(ctx, userID, fmt.Sprintf(
			"%q isn't available. Choose one of: %s",
			invalid.Model, strings.Join(invalid.Allowed, ", ")))
	case err != nil:
		a.reply(ctx, userID, "Couldn't switch models: "+err.Error())
	default:
		sel := a.models.Current()
		a.reply(ctx, userID, fmt.Sprintf(
			"Switched. Text model: %s, vision model: %s.", sel.TextModel, sel.VisionModel))
	}
}

func (a *Adapter) handleUsage(ctx context.Context, userID string) {
	if a.usage == nil {
		a.reply(ctx, userID, "Usage tracking isn't enabled.")
		return
	}
	summary, err := a.usage.UsageSummary(ctx)
	if err != nil {
		a.reply(ctx, userID, "Couldn't read usage: "+err.Error())
		return
	}
	if len(summary) == 0 {
		a.reply(ctx, userID, "No model usage recorded yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Model usage (tokens):")
	for _, u := range summary {
		fmt.Fprintf(&b, "\n%s: %d call(s), %d prompt + %d completion",
			u.Model, u.Calls, u.PromptTokens, u.CompletionTokens)
	}
	a.reply(ctx, userID, b.String())
}

func (a *Adapter) handleAuth(ctx context.Context, userID string) {
	if a.authz.SessionState(ctx, userID) == auth.StateAuthorized {
		a.reply(ctx, userID, "Already connected. Use /revoke first if you want to reconnect.")
		return
	}
	url, err := a.authz.BeginAuth(userID)
	if err != nil {
		a.reply(ctx, userID, "Couldn't start authorization: "+err.Error())
		return
	}
	a.reply(ctx, userID, "Open this link, grant access, then send me the code with /code <code>:\n"+url)
}

func (a *Adapter) handleCode(ctx context.Context, userID, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		a.reply(ctx, userID, "Usage: /code <code>")
		return
	}

	err := a.authz.SubmitCode(ctx, userID, raw)
	switch {
	case err == nil:
		a.reply(ctx, userID, "Connected! I can now create events and tasks for you.")
	case errors.Is(err, auth.ErrNoPendingAuth):
		a.reply(ctx, userID, "There's no authorization in progress. Start one with /auth.")
	default:
		// The pending request survives a bad code, so a retry works.
		a.reply(ctx, userID, "That code didn't work. Check it and send /code again, or /cancel to stop.")
	}
}

func (a *Adapter) processContent(ctx context.Context, update Update) {
	in := model.RawInput{
		Source:     model.SourceChat,
		UserID:     update.UserID,
		Text:       update.Text,
		Image:      update.Image,
		ImageMIME:  update.ImageMIME,
		ReceivedAt: update.ReceivedAt,
		SourceRef:  update.MessageID,
	}
	if len(update.Image) > 0 {
		in.Source = model.SourceImage
	}

	batch := a.proc.Process(ctx, in)

	reply := source.FormatBatch(batch)
	if batch.Failure() && errors.Is(batch.Err, auth.ErrAuthRequired) {
		reply = "I found something to schedule, but your calendar isn't connected. Use /auth first."
	}
	a.reply(ctx, update.UserID, reply)
}

func (a *Adapter) reply(ctx context.Context, userID, text string) {
	if err := a.transport.Send(ctx, userID, text); err != nil {
		a.log.Warn("sending chat reply failed", "user", userID, "error", err)
	}
}
