// Package audit records immutable audit events: threshold alerts, relay
// transitions, settings and schedule edits.
//
// Records are published to the realtime store under events/{topic}/{id}
// (where the dashboard's log page reads them) and kept in the local
// event_log table for listing through the API. Both writes are
// best-effort; see Writer.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a single audit entry.
type Record struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"record"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which records List returns.
type Filter struct {
	Topic  string // optional: only this topic
	Limit  int    // default 50, max 200
	Offset int    // pagination offset
}

// ListResult contains one page of records.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository stores records. There is deliberately no update or delete.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// createdAtLayout is fixed-width so text ordering matches time ordering.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository stores records in the event_log table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new event log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a record. ID and Topic are required; CreatedAt defaults
// to now.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Topic == "" {
		return fmt.Errorf("%w: id and topic are required", ErrInvalidRecord)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshalling audit record: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO event_log (id, topic, record, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Topic, string(data), rec.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// List returns records matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := ""
	var args []any
	if filter.Topic != "" {
		where = "WHERE topic = ?"
		args = append(args, filter.Topic)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM event_log " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit records: %w", err)
	}

	query := "SELECT id, topic, record, created_at FROM event_log " + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec       Record
			data      string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return nil, fmt.Errorf("decoding audit record %s: %w", rec.ID, err)
		}
		t, err := time.Parse(createdAtLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit record timestamp %q: %w", createdAt, err)
		}
		rec.CreatedAt = t
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
