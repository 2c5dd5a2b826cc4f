package store

import (
	"context"
	"fmt"
	"time"
)

// Call record types. "missed" is an inbound call that ended before answer.
const (
	CallTypeIncoming = "incoming"
	CallTypeOutgoing = "outgoing"
	CallTypeMissed   = "missed"
)

// CallRecord is one entry in the call history.
type CallRecord struct {
	ID        int64     `json:"-"`
	Number    string    `json:"number"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int       `json:"duration"` // seconds, 0 for missed calls
}

// HistoryRepository provides access to the call history.
type HistoryRepository interface {
	// Add appends a record. History is returned newest-first.
	Add(ctx context.Context, rec *CallRecord) error
	// List returns records newest-first, optionally filtered by type.
	// An empty filter or "all" returns everything.
	List(ctx context.Context, filterType string) ([]CallRecord, error)
	// UpdateDuration sets the duration of the most recent record for the
	// given number. Returns false when no record matches.
	UpdateDuration(ctx context.Context, number string, seconds int) (bool, error)
	// Clear removes all records.
	Clear(ctx context.Context) error
	// CountByType returns record counts keyed by call type.
	CountByType(ctx context.Context) (map[string]int64, error)
}

// historyRepo implements HistoryRepository.
type historyRepo struct {
	db *DB
}

// NewHistoryRepository creates a call history repository.
func NewHistoryRepository(db *DB) HistoryRepository {
	return &historyRepo{db: db}
}

func (r *historyRepo) Add(ctx context.Context, rec *CallRecord) error {
	if rec.Number == "" || rec.Type == "" {
		return fmt.Errorf("call record missing number or type")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (number, type, timestamp, duration)
		 VALUES (?, ?, ?, ?)`,
		rec.Number, rec.Type, rec.Timestamp, rec.Duration,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *historyRepo) List(ctx context.Context, filterType string) ([]CallRecord, error) {
	query := `SELECT id, number, type, timestamp, duration FROM call_history`
	var args []any
	if filterType != "" && filterType != "all" {
		query += ` WHERE type = ?`
		args = append(args, filterType)
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call history: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(&rec.ID, &rec.Number, &rec.Type, &rec.Timestamp, &rec.Duration); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *historyRepo) UpdateDuration(ctx context.Context, number string, seconds int) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE call_history SET duration = ?
		 WHERE id = (SELECT id FROM call_history WHERE number = ?
		             ORDER BY timestamp DESC, id DESC LIMIT 1)`,
		seconds, number,
	)
	if err != nil {
		return false, fmt.Errorf("updating call duration: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *historyRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM call_history`); err != nil {
		return fmt.Errorf("clearing call history: %w", err)
	}
	return nil
}

func (r *historyRepo) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM call_history GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counting call history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning history count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}
