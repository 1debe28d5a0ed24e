package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/yfei/agendabot/internal/model"
)

// JournalEntry is a durable record of one successfully synchronized draft,
// keyed by its content-derived idempotency key.
type JournalEntry struct {
	ID           string    `db:"id"`
	IdemKey      string    `db:"idem_key"`
	UserID       string    `db:"user_id"`
	Source       string    `db:"source"`
	EntryKind    string    `db:"entry_kind"`
	Title        string    `db:"title"`
	ExternalID   string    `db:"external_id"`
	ExternalLink string    `db:"external_link"`
	CreatedAt    time.Time `db:"created_at"`
}

// SQLiteStore persists the pipeline's durable state: the current model
// selection, per-user OAuth tokens, the sync journal, and the usage log.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveSelection persists the current model selection, replacing any prior row.
func (s *SQLiteStore) SaveSelection(ctx context.Context, sel model.ModelSelection) error {
	const query = `
		INSERT INTO model_selection (id, text_model, vision_model, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text_model = excluded.text_model,
			vision_model = excluded.vision_model,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, sel.TextModel, sel.VisionModel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving model selection: %w", err)
	}
	return nil
}

// LoadSelection returns the persisted model selection, or ok=false when none
// has been saved yet.
func (s *SQLiteStore) LoadSelection(ctx context.Context) (model.ModelSelection, bool, error) {
	var row struct {
		TextModel   string `db:"text_model"`
		VisionModel string `db:"vision_model"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT text_model, vision_model FROM model_selection WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelSelection{}, false, nil
	}
	if err != nil {
		return model.ModelSelection{}, false, fmt.Errorf("loading model selection: %w", err)
	}
	return model.ModelSelection{TextModel: row.TextModel, VisionModel: row.VisionModel}, true, nil
}

// SaveToken persists the serialized OAuth token for a user.
func (s *SQLiteStore) SaveToken(ctx context.Context, userID string, token []byte) error {
	const query = `
		INSERT INTO oauth_tokens (user_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, userID, string(token), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving token for %s: %w", userID, err)
	}
	return nil
}

// LoadToken returns the serialized OAuth token for a user, or ok=false when
// the user has never authorized.
func (s *SQLiteStore) LoadToken(ctx context.Context, userID string) ([]byte, bool, error) {
	var token string
	err := s.db.GetContext(ctx, &token,
		"SELECT token FROM oauth_tokens WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading token for %s: %w", userID, err)
	}
	return []byte(token), true, nil
}

// DeleteToken removes a user's OAuth token. Deleting an absent token is not
// an error.
func (s *SQLiteStore) DeleteToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM oauth_tokens WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting token for %s: %w", userID, err)
	}
	return nil
}

// LookupSync returns the journal entry for an idempotency key, or ok=false
// when the draft has never been synced.
func (s *SQLiteStore) LookupSync(ctx context.Context, idemKey string) (JournalEntry, bool, error) {
	var entry JournalEntry
	err := s.db.GetContext(ctx, &entry,
		"SELECT * FROM sync_journal WHERE idem_key = ?", idemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return JournalEntry{}, false, nil
	}
	if err != nil {
		return JournalEntry{}, false, fmt.Errorf("looking up sync journal: %w", err)
	}
	return entry, true, nil
}

// RecordSync journals a successful sync under its idempotency key. Recording
// the same key twice keeps the first entry.
func (s *SQLiteStore) RecordSync(ctx context.Context, entry JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO sync_journal (
			id, idem_key, user_id, source, entry_kind,
			title, external_id, external_link, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idem_key) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.IdemKey, entry.UserID, entry.Source, entry.EntryKind,
		entry.Title, entry.ExternalID, entry.ExternalLink, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording sync journal entry: %w", err)
	}
	return nil
}

// RecordUsage appends one interaction's token spend to the usage log.
func (s *SQLiteStore) RecordUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO usage_log (
			id, occurred_at, source, user_id, model,
			prompt_tokens, completion_tokens, drafts, synced, failed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), rec.OccurredAt.UTC(), rec.Source, rec.UserID, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.Drafts, rec.Synced, rec.Failed,
	)
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates the usage log per model, heaviest spend first.
func (s *SQLiteStore) UsageSummary(ctx context.Context) ([]model.ModelUsage, error) {
	var rows []struct {
		Model            string `db:"model"`
		Calls            int    `db:"calls"`
		PromptTokens     int    `db:"prompt_tokens"`
		CompletionTokens int    `db:"completion_tokens"`
	}
	const query = `
		SELECT model,
			COUNT(*) AS calls,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens
		FROM usage_log
		GROUP BY model
		ORDER BY prompt_tokens + completion_tokens DESC, model`

	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}

	out := make([]model.ModelUsage, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ModelUsage{
			Model:            r.Model,
			Calls:            r.Calls,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
		})
	}
	return out, nil
}

// PruneUsage deletes usage rows older than cutoff and reports how many went.
func (s *SQLiteStore) PruneUsage(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM usage_log WHERE occurred_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning usage log: %w", err)
	}
	return res.RowsAffected()
}
