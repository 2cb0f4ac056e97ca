// ABOUTME: Durable FIFO queue of offline mutation commands
// ABOUTME: Commands survive restarts and are drained by the reconciler in arrival order
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/dealsync/models"
	"github.com/oklog/ulid/v2"
)

// ErrCommandNotFound is returned when a command id is not in the queue.
var ErrCommandNotFound = errors.New("command not found")

// Queue stores offline commands in SQLite.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueue wraps an already-migrated database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// OpenQueue opens the database at path and wraps it.
func OpenQueue(path string) (*Queue, error) {
	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	return NewQueue(db), nil
}

// DB exposes the underlying handle for sync state bookkeeping.
func (q *Queue) DB() *sql.DB {
	return q.db
}

func (q *Queue) Close() error {
	return q.db.Close()
}

const commandColumns = `seq, id, scope, type, record_id, payload, base_updated_at,
	attempts, max_attempts, status, detail, created_at, updated_at`

// Enqueue records cmd durably and fills in its id, sequence, and status.
func (q *Queue) Enqueue(ctx context.Context, cmd *models.Command) error {
	if cmd.Scope == "" {
		return fmt.Errorf("failed to enqueue command: empty scope")
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = models.DefaultMaxAttempts
	}
	now := q.now().UTC()
	cmd.ID = ulid.Make().String()
	cmd.Status = models.CommandPending
	cmd.Attempts = 0
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	var payload sql.NullString
	if cmd.Payload != nil {
		data, err := json.Marshal(cmd.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode command payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	var base sql.NullTime
	if cmd.BaseUpdatedAt != nil {
		base = sql.NullTime{Time: cmd.BaseUpdatedAt.UTC(), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO offline_commands (id, scope, type, record_id, payload, base_updated_at,
			attempts, max_attempts, status, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', ?, ?)
	`, cmd.ID, cmd.Scope, string(cmd.Type), cmd.RecordID, payload, base,
		cmd.MaxAttempts, string(cmd.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read command sequence: %w", err)
	}
	cmd.Seq = seq
	return nil
}

// ListPending returns the commands still owed to the server, oldest first.
// Interrupted (syncing) and retryable failed commands are included.
func (q *Queue) ListPending(ctx context.Context, scope string) ([]models.Command, error) {
	return q.query(ctx, `
		SELECT `+commandColumns+`
		FROM offline_commands
		WHERE scope = ?
		  AND (status IN (?, ?) OR (status = ? AND attempts < max_attempts))
		ORDER BY seq
	`, scope, string(models.CommandPending), string(models.CommandSyncing), string(models.CommandFailed))
}

// List returns every queued command for scope regardless of status.
func (q *Queue) List(ctx context.Context, scope string) ([]models.Command, error) {
	return q.query(ctx, `
		SELECT `+commandColumns+`
		FROM offline_commands
		WHERE scope = ?
		ORDER BY seq
	`, scope)
}

// Count returns the number of commands still owed to the server for scope.
func (q *Queue) Count(ctx context.Context, scope string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_commands
		WHERE scope = ?
		  AND (status IN (?, ?) OR (status = ? AND attempts < max_attempts))
	`, scope, string(models.CommandPending), string(models.CommandSyncing), string(models.CommandFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count commands: %w", err)
	}
	return n, nil
}

// MarkStatus moves a command to status with an optional detail message.
func (q *Queue) MarkStatus(ctx context.Context, id string, status models.CommandStatus, detail string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE offline_commands SET status = ?, detail = ?, updated_at = ? WHERE id = ?
	`, string(status), detail, q.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark command: %w", err)
	}
	return requireRow(res, id)
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (q *Queue) IncrementAttempts(ctx context.Context, id string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE offline_commands SET attempts = attempts + 1, updated_at = ? WHERE id = ?
	`, q.now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return 0, err
	}

	var attempts int
	if err := q.db.QueryRowContext(ctx, `SELECT attempts FROM offline_commands WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

// Clear removes the given commands.
func (q *Queue) Clear(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM offline_commands WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to clear commands: %w", err)
	}
	return nil
}

// Rebase points the commands still owed for recordID at the server's copy of
// that record. serverID replaces the record id, and base becomes the
// precondition of queued updates, so later edits build on the synced one.
func (q *Queue) Rebase(ctx context.Context, scope, recordID, serverID string, base *time.Time) error {
	var b sql.NullTime
	if base != nil {
		b = sql.NullTime{Time: base.UTC(), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE offline_commands
		SET record_id = ?,
		    base_updated_at = CASE WHEN type = ? THEN ? ELSE base_updated_at END,
		    updated_at = ?
		WHERE scope = ? AND record_id = ? AND status IN (?, ?, ?)
	`, serverID, string(models.CommandUpdate), b, q.now().UTC(), scope, recordID,
		string(models.CommandPending), string(models.CommandSyncing), string(models.CommandFailed))
	if err != nil {
		return fmt.Errorf("failed to rebase commands: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	return nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]models.Command, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []models.Command
	for rows.Next() {
		var (
			cmd     models.Command
			typ     string
			status  string
			payload sql.NullString
			base    sql.NullTime
		)
		err := rows.Scan(
			&cmd.Seq,
			&cmd.ID,
			&cmd.Scope,
			&typ,
			&cmd.RecordID,
			&payload,
			&base,
			&cmd.Attempts,
			&cmd.MaxAttempts,
			&status,
			&cmd.Detail,
			&cmd.CreatedAt,
			&cmd.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmd.Type = models.CommandType(typ)
		cmd.Status = models.CommandStatus(status)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &cmd.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode command payload: %w", err)
			}
		}
		if base.Valid {
			t := base.Time.UTC()
			cmd.BaseUpdatedAt = &t
		}
		cmds = append(cmds, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commands: %w", err)
	}
	return cmds, nil
}
