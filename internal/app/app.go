// Package app wires configuration, storage, the pipeline, and the channel
// adapters into a runnable assistant.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/tasks/v1"

	"github.com/yfei/agendabot/internal/auth"
	"github.com/yfei/agendabot/internal/credential"
	"github.com/yfei/agendabot/internal/digest"
	"github.com/yfei/agendabot/internal/extract"
	"github.com/yfei/agendabot/internal/gateway"
	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/pipeline"
	"github.com/yfei/agendabot/internal/selection"
	"github.com/yfei/agendabot/internal/source/chat"
	"github.com/yfei/agendabot/internal/source/email"
	"github.com/yfei/agendabot/internal/store"
)

// usageRetention bounds how long per-interaction usage records are kept.
const usageRetention = 7 * 24 * time.Hour

// App holds the assembled components and owns their lifecycles.
type App struct {
	cfg model.AppConfig
	log *slog.Logger

	store       *store.SQLiteStore
	chatAdapter *chat.Adapter
	mailAdapter *email.Adapter
	daily       *digest.Digest
}

// New assembles the application from configuration. The chat transport is
// injected so the same wiring serves the console and any future chat
// service binding.
func New(ctx context.Context, cfg model.AppConfig, transport chat.Transport, log *slog.Logger) (*App, error) {
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	// Secrets may live in the keyring instead of the config file.
	apiKey := credential.Resolve(cfg.LLM.APIKey, credential.KeyLLMAPIKey)
	cfg.Email.Password = credential.Resolve(cfg.Email.Password, credential.KeyIMAPPassword)
	clientSecret := credential.Resolve(cfg.Google.ClientSecret, credential.KeyOAuthClientSecret)

	models := selection.New(ctx, cfg.LLM, st, log)
	extractor := extract.NewClient(cfg.LLM.BaseURL, apiKey, cfg.Assistant.DefaultTimezone, log)

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       []string{calendar.CalendarEventsScope, tasks.TasksScope},
	}
	authManager := auth.NewManager(oauthCfg, st, log)

	gw := gateway.New(cfg.Google.CalendarID, cfg.Google.TaskListID, log)
	proc := pipeline.New(extractor, models, authManager, gw, st, st,
		cfg.Google.CategoryColors, cfg.Google.DefaultColorID, log, pipeline.Options{})

	// Old usage rows rotate out at startup, the same way old audit files
	// would.
	if n, err := st.PruneUsage(ctx, time.Now().Add(-usageRetention)); err != nil {
		log.Warn("pruning usage log failed", "error", err)
	} else if n > 0 {
		log.Info("pruned old usage records", "rows", n)
	}

	chatAdapter := chat.NewAdapter(transport, proc, authManager, models, st, cfg.Assistant.Owner, log)

	a := &App{
		cfg:         cfg,
		log:         log,
		store:       st,
		chatAdapter: chatAdapter,
	}

	if cfg.Email.Enabled {
		mailbox := email.NewIMAPMailbox(cfg.Email)
		a.mailAdapter = email.NewAdapter(mailbox, proc, chatAdapter,
			cfg.Assistant.Owner, cfg.Email.PollIntervalSec, log)
	}

	if cfg.Digest.Enabled {
		a.daily = digest.New(authManager, chatAdapter, cfg.Assistant.Owner,
			cfg.Google.CalendarID, cfg.Google.TaskListID, cfg.Assistant.DefaultTimezone, log)
	}

	return a, nil
}

// Run starts the background channels and blocks on the chat loop until ctx
// is cancelled or the transport closes.
func (a *App) Run(ctx context.Context) error {
	if a.mailAdapter != nil {
		a.mailAdapter.Start()
		defer a.mailAdapter.Stop()
	}
	if a.daily != nil {
		if err := a.daily.Start(a.cfg.Digest.Schedule); err != nil {
			return err
		}
		defer a.daily.Stop()
	}

	a.log.Info("assistant running",
		"owner", a.cfg.Assistant.Owner,
		"email_enabled", a.cfg.Email.Enabled,
		"digest_enabled", a.cfg.Digest.Enabled)

	err := a.chatAdapter.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases held resources.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing store:", err)
	}
}
