// ABOUTME: SQLite audit ledger of handled messages and analysis runs using modernc.org/sqlite.
// ABOUTME: Best-effort recording: failures are logged, never returned into the ingest or triage path.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-zulip/internal/zulip"
)

// MessageRecord is one handled-message row.
type MessageRecord struct {
	ID          string
	AccountID   string
	MessageID   int64
	Sender      string
	Stream      string
	Topic       string
	Disposition string // "triage", "followup", "command", "reply", "ignored"
	CreatedAt   time.Time
}

// AnalysisRecord is one analysis-run outcome row.
type AnalysisRecord struct {
	ID        string
	AccountID string
	CaseID    string
	RequestID string
	Status    string // "ok" or "error"
	Error     string
	CreatedAt time.Time
}

// Ledger records bridge activity in SQLite. All Record methods are
// best-effort; query methods return errors normally.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at the given path. The schema
// is created automatically and parent directories as needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// WAL keeps concurrent handler goroutines from serializing on writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger initialized", "path", path)
	return l, nil
}

// createSchema creates the ledger tables if they don't exist.
func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			sender TEXT NOT NULL,
			stream TEXT,
			topic TEXT,
			disposition TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_account_created
			ON messages(account_id, created_at);

		CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			case_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_analyses_case
			ON analyses(case_id, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordMessage records one handled inbound message. Best-effort.
func (l *Ledger) RecordMessage(ctx context.Context, accountID string, msg *zulip.Message, disposition string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (id, account_id, message_id, sender, stream, topic, disposition, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), accountID, msg.ID, msg.SenderEmail, msg.Stream, msg.Topic, disposition, time.Now().UTC())
	if err != nil {
		l.logger.Warn("failed to record message",
			"account", accountID, "message_id", msg.ID, "error", err)
	}
}

// RecordAnalysis records one analysis-run outcome. Best-effort.
func (l *Ledger) RecordAnalysis(ctx context.Context, accountID, caseID, requestID, status, errText string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO analyses (id, account_id, case_id, request_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), accountID, caseID, requestID, status, errText, time.Now().UTC())
	if err != nil {
		l.logger.Warn("failed to record analysis",
			"account", accountID, "case", caseID, "error", err)
	}
}

// RecentMessages returns up to limit handled messages for an account,
// newest first.
func (l *Ledger) RecentMessages(ctx context.Context, accountID string, limit int) ([]*MessageRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, message_id, sender, stream, topic, disposition, created_at
		FROM messages WHERE account_id = ?
		ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.MessageID, &r.Sender, &r.Stream, &r.Topic, &r.Disposition, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AnalysesForCase returns the recorded analysis runs for a case, oldest first.
func (l *Ledger) AnalysesForCase(ctx context.Context, caseID string) ([]*AnalysisRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, case_id, request_id, status, error, created_at
		FROM analyses WHERE case_id = ?
		ORDER BY created_at ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("querying analyses: %w", err)
	}
	defer rows.Close()

	var out []*AnalysisRecord
	for rows.Next() {
		var r AnalysisRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.CaseID, &r.RequestID, &r.Status, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning analysis row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
