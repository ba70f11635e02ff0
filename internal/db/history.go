package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/events"
)

// History stores what the gateway did: commands sent to the game server,
// update runs and command session terminations.
type History struct {
	db               *Database
	recordKeepalives bool
}

// CommandRecord is one executed RCON command.
type CommandRecord struct {
	ID         int64     `json:"id"`
	Command    string    `json:"command"`
	Response   string    `json:"response"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Keepalive  bool      `json:"keepalive"`
	ExecutedAt time.Time `json:"executed_at"`
}

// UpdateRecord is one finished update session.
type UpdateRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// TerminationRecord is one command session termination.
type TerminationRecord struct {
	ID         int64     `json:"id"`
	Address    string    `json:"address"`
	Cause      string    `json:"cause"`
	OccurredAt time.Time `json:"occurred_at"`
}

// maxResponseLength bounds stored command responses.
const maxResponseLength = 4096

// NewHistory opens the history database at path and migrates its schema.
func NewHistory(path string, recordKeepalives bool) (*History, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	h := &History{db: database, recordKeepalives: recordKeepalives}
	if err := h.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return h, nil
}

func (h *History) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			keepalive INTEGER NOT NULL DEFAULT 0,
			executed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_command_history_executed_at ON command_history(executed_at);

		CREATE TABLE IF NOT EXISTS update_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			result TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_update_history_started_at ON update_history(started_at);

		CREATE TABLE IF NOT EXISTS session_terminations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			cause TEXT NOT NULL,
			occurred_at INTEGER NOT NULL
		);
	`
	_, err := h.db.Exec(ctx, schema)
	return err
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// RecordCommand stores one command execution.
func (h *History) RecordCommand(ctx context.Context, rec CommandRecord) error {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	if len(rec.Response) > maxResponseLength {
		rec.Response = rec.Response[:maxResponseLength]
	}

	_, err := h.db.Exec(ctx,
		`INSERT INTO command_history (command, response, error, duration_ms, keepalive, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Command, rec.Response, rec.Error, rec.DurationMS, rec.Keepalive, rec.ExecutedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// RecordUpdate stores one finished update run.
func (h *History) RecordUpdate(ctx context.Context, rec UpdateRecord) error {
	_, err := h.db.Exec(ctx,
		`INSERT INTO update_history (session_id, kind, result, reason, exit_code, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Kind, rec.Result, rec.Reason, rec.ExitCode, rec.StartedAt.UnixMilli(), rec.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to record update: %w", err)
	}
	return nil
}

// RecordTermination stores one session termination.
func (h *History) RecordTermination(ctx context.Context, rec TerminationRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	_, err := h.db.Exec(ctx,
		`INSERT INTO session_terminations (address, cause, occurred_at) VALUES (?, ?, ?)`,
		rec.Address, rec.Cause, rec.OccurredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record termination: %w", err)
	}
	return nil
}

// RecentCommands returns up to limit commands, newest first.
func (h *History) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	rows, err := h.db.Query(ctx,
		`SELECT id, command, response, error, duration_ms, keepalive, executed_at
		 FROM command_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command history: %w", err)
	}
	defer rows.Close()

	records := make([]CommandRecord, 0)
	for rows.Next() {
		var (
			rec        CommandRecord
			executedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.Response, &rec.Error, &rec.DurationMS, &rec.Keepalive, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command history: %w", err)
		}
		rec.ExecutedAt = time.UnixMilli(executedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentUpdates returns up to limit update runs, newest first.
func (h *History) RecentUpdates(ctx context.Context, limit int) ([]UpdateRecord, error) {
	rows, err := h.db.Query(ctx,
		`SELECT id, session_id, kind, result, reason, exit_code, started_at, duration_ms
		 FROM update_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close()

	records := make([]UpdateRecord, 0)
	for rows.Next() {
		var (
			rec       UpdateRecord
			startedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Kind, &rec.Result, &rec.Reason, &rec.ExitCode, &startedAt, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan update history: %w", err)
		}
		rec.StartedAt = time.UnixMilli(startedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentTerminations returns up to limit session terminations, newest first.
func (h *History) RecentTerminations(ctx context.Context, limit int) ([]TerminationRecord, error) {
	rows, err := h.db.Query(ctx,
		`SELECT id, address, cause, occurred_at FROM session_terminations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminations: %w", err)
	}
	defer rows.Close()

	records := make([]TerminationRecord, 0)
	for rows.Next() {
		var (
			rec        TerminationRecord
			occurredAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Address, &rec.Cause, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan terminations: %w", err)
		}
		rec.OccurredAt = time.UnixMilli(occurredAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes entries older than retention and returns how many rows
// were removed.
func (h *History) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	var removed int64
	err := h.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM command_history WHERE executed_at < ?`,
			`DELETE FROM update_history WHERE started_at < ?`,
			`DELETE FROM session_terminations WHERE occurred_at < ?`,
		} {
			res, err := tx.ExecContext(ctx, stmt, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return removed, nil
}

// Attach subscribes the history to the gateway events it records.
func (h *History) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventCommandExecuted, "history", h.onCommandExecuted)
	bus.Subscribe(events.EventUpdateFinished, "history", h.onUpdateFinished)
	bus.Subscribe(events.EventSessionTerminated, "history", h.onSessionTerminated)
}

func (h *History) onCommandExecuted(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.CommandExecutedPayload)
	if !ok {
		return errors.New("unexpected command payload")
	}
	if p.Keepalive && !h.recordKeepalives {
		return nil
	}

	rec := CommandRecord{
		Command:    p.Command,
		Response:   p.Response,
		DurationMS: p.Duration.Milliseconds(),
		Keepalive:  p.Keepalive,
	}
	if p.Err != nil {
		rec.Error = p.Err.Error()
	}
	return h.RecordCommand(ctx, rec)
}

func (h *History) onUpdateFinished(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.UpdateFinishedPayload)
	if !ok {
		return errors.New("unexpected update payload")
	}
	return h.RecordUpdate(ctx, UpdateRecord{
		SessionID:  p.SessionID,
		Kind:       p.Kind,
		Result:     string(p.Result),
		Reason:     p.Reason,
		ExitCode:   p.ExitCode,
		StartedAt:  p.StartedAt,
		DurationMS: p.Duration.Milliseconds(),
	})
}

func (h *History) onSessionTerminated(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.SessionTerminatedPayload)
	if !ok {
		return errors.New("unexpected termination payload")
	}

	rec := TerminationRecord{Address: p.Address}
	if p.Cause != nil {
		rec.Cause = p.Cause.Error()
	}
	log.Debug().Str("cause", rec.Cause).Msg("recording session termination")
	return h.RecordTermination(ctx, rec)
}
