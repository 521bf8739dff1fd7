package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for sequence persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Sequence CRUD
	Create(ctx context.Context, seq *Sequence) error
	GetByID(ctx context.Context, id string) (*Sequence, error)
	List(ctx context.Context) ([]Sequence, error)
	Delete(ctx context.Context, id string) error

	// Execution bookkeeping
	UpdateStatus(ctx context.Context, id string, state State, errDetail *string) error
	SetExpectedShots(ctx context.Context, id string, expected int) error
	SaveShot(ctx context.Context, shot *ShotRecord) error
	ListShots(ctx context.Context, sequenceID string) ([]ShotRecord, error)
}

// sequenceColumns is the SELECT column list for sequence queries.
const sequenceColumns = `id, name, duration, lanes, steps, state, error,
			expected_shots, completed_shots, created_at, started_at, finished_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new sequence in draft state.
func (r *SQLiteRepository) Create(ctx context.Context, seq *Sequence) error {
	lanesJSON, err := json.Marshal(seq.Lanes)
	if err != nil {
		return fmt.Errorf("marshalling lanes: %w", err)
	}
	stepsJSON, err := json.Marshal(seq.Steps)
	if err != nil {
		return fmt.Errorf("marshalling steps: %w", err)
	}

	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now().UTC()
	}
	if seq.State == "" {
		seq.State = StateDraft
	}

	query := `
		INSERT INTO sequences (
			id, name, duration, lanes, steps, state, error,
			expected_shots, completed_shots, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		seq.ID,
		seq.Name,
		seq.Duration,
		string(lanesJSON),
		string(stepsJSON),
		string(seq.State),
		nullableString(seq.Error),
		seq.ExpectedShots,
		seq.CompletedShots,
		seq.CreatedAt.Format(time.RFC3339Nano),
		nullableTime(seq.StartedAt),
		nullableTime(seq.FinishedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting sequence: %w", err)
	}
	return nil
}

// GetByID retrieves a sequence by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	seq, err := scanSequenceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying sequence by id: %w", err)
	}
	return seq, nil
}

// List retrieves all sequences ordered by creation time, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sequences: %w", err)
	}
	defer rows.Close()

	var sequences []Sequence
	for rows.Next() {
		seq, scanErr := scanSequenceRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning sequence: %w", scanErr)
		}
		sequences = append(sequences, *seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sequences: %w", err)
	}
	return sequences, nil
}

// Delete removes a sequence and its shot records.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM sequences WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting sequence: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a sequence's persisted state.
//
// Timestamps are maintained here: entering Running stamps started_at
// (first time only, so resume does not reset it), and entering a terminal
// state stamps finished_at.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, state State, errDetail *string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `
		UPDATE sequences SET
			state = ?,
			error = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			finished_at = CASE WHEN ? IN ('finished', 'crashed') THEN ? ELSE finished_at END
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(state),
		nullableString(errDetail),
		string(state), now,
		string(state), now,
		id,
	)
	if err != nil {
		return fmt.Errorf("updating sequence status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExpectedShots records the sweep's total shot count, used as the
// progress denominator.
func (r *SQLiteRepository) SetExpectedShots(ctx context.Context, id string, expected int) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE sequences SET expected_shots = ? WHERE id = ?", expected, id)
	if err != nil {
		return fmt.Errorf("updating expected shots: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveShot persists one shot's result and refreshes the owning sequence's
// completed counter in the same transaction. Re-saving the same shot index
// replaces the earlier record (a retried shot overwrites its failed
// attempt's row).
func (r *SQLiteRepository) SaveShot(ctx context.Context, shot *ShotRecord) error {
	bindingJSON, err := json.Marshal(shot.Binding)
	if err != nil {
		return fmt.Errorf("marshalling binding: %w", err)
	}
	dataJSON, err := marshalData(shot.Data)
	if err != nil {
		return fmt.Errorf("marshalling data: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op if committed

	query := `
		INSERT OR REPLACE INTO shots (
			sequence_id, shot_index, binding, outcome, attempts,
			data, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		shot.SequenceID,
		shot.Index,
		string(bindingJSON),
		string(shot.Outcome),
		shot.Attempts,
		dataJSON,
		nullableString(shot.Error),
		shot.StartedAt.UTC().Format(time.RFC3339Nano),
		shot.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting shot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sequences SET completed_shots =
			(SELECT COUNT(*) FROM shots WHERE sequence_id = ?)
		WHERE id = ?`,
		shot.SequenceID, shot.SequenceID,
	)
	if err != nil {
		return fmt.Errorf("updating completed count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing shot: %w", err)
	}
	return nil
}

// ListShots retrieves all shot records for a sequence in index order.
func (r *SQLiteRepository) ListShots(ctx context.Context, sequenceID string) ([]ShotRecord, error) {
	query := `
		SELECT sequence_id, shot_index, binding, outcome, attempts,
			data, error, started_at, finished_at
		FROM shots
		WHERE sequence_id = ?
		ORDER BY shot_index`

	rows, err := r.db.QueryContext(ctx, query, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("querying shots: %w", err)
	}
	defer rows.Close()

	var shots []ShotRecord
	for rows.Next() {
		shot, scanErr := scanShotRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning shot: %w", scanErr)
		}
		shots = append(shots, *shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating shots: %w", err)
	}
	return shots, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequenceRow(scanner rowScanner) (*Sequence, error) {
	var s Sequence
	var lanesJSON, stepsJSON, state, createdAt string
	var errDetail, startedAt, finishedAt sql.NullString

	err := scanner.Scan(
		&s.ID,
		&s.Name,
		&s.Duration,
		&lanesJSON,
		&stepsJSON,
		&state,
		&errDetail,
		&s.ExpectedShots,
		&s.CompletedShots,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	s.State = State(state)
	if errDetail.Valid {
		s.Error = &errDetail.String
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		s.CreatedAt = t
	}
	if startedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, startedAt.String); parseErr == nil {
			s.StartedAt = &t
		}
	}
	if finishedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, finishedAt.String); parseErr == nil {
			s.FinishedAt = &t
		}
	}

	if err := json.Unmarshal([]byte(lanesJSON), &s.Lanes); err != nil {
		return nil, fmt.Errorf("unmarshalling lanes: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &s.Steps); err != nil {
		return nil, fmt.Errorf("unmarshalling steps: %w", err)
	}

	return &s, nil
}

func scanShotRow(scanner rowScanner) (*ShotRecord, error) {
	var shot ShotRecord
	var bindingJSON, outcome, startedAt, finishedAt string
	var dataJSON, errDetail sql.NullString

	err := scanner.Scan(
		&shot.SequenceID,
		&shot.Index,
		&bindingJSON,
		&outcome,
		&shot.Attempts,
		&dataJSON,
		&errDetail,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	shot.Outcome = ShotOutcome(outcome)
	if errDetail.Valid {
		shot.Error = &errDetail.String
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, startedAt); parseErr == nil {
		shot.StartedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, finishedAt); parseErr == nil {
		shot.FinishedAt = t
	}

	if err := json.Unmarshal([]byte(bindingJSON), &shot.Binding); err != nil {
		return nil, fmt.Errorf("unmarshalling binding: %w", err)
	}
	if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
		if err := json.Unmarshal([]byte(dataJSON.String), &shot.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling data: %w", err)
		}
	}

	return &shot, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func marshalData(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
