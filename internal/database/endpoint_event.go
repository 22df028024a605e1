package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/astmrf/internal/database/models"
)

// defaultListLimit caps listings that do not ask for a limit.
const defaultListLimit = 100

// endpointEventRepo implements EndpointEventRepository.
type endpointEventRepo struct {
	db *DB
}

// NewEndpointEventRepository creates a new EndpointEventRepository.
func NewEndpointEventRepository(db *DB) EndpointEventRepository {
	return &endpointEventRepo{db: db}
}

// Record inserts a journal row and sets its ID.
func (r *endpointEventRepo) Record(ctx context.Context, ev *models.EndpointEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	const insert = `INSERT INTO endpoint_events (occurred_at, mediaserver, token, event,
		 channel_id, channel_name, call_id, reason, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		ev.Time.UTC(), ev.MediaServer, ev.Token, ev.Event,
		ev.ChannelID, ev.ChannelName, ev.CallID, ev.Reason, ev.DurationMs,
	}

	// pgx does not report LastInsertId.
	if r.db.dialect == Postgres {
		if err := r.db.QueryRowContext(ctx, r.db.rebind(insert+" RETURNING id"), args...).Scan(&ev.ID); err != nil {
			return fmt.Errorf("inserting endpoint event: %w", err)
		}
		return nil
	}

	result, err := r.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return fmt.Errorf("inserting endpoint event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// List returns journal rows matching filter, newest first.
func (r *endpointEventRepo) List(ctx context.Context, filter EndpointEventFilter) ([]models.EndpointEvent, error) {
	where, args := filter.where()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, occurred_at, mediaserver, token, event, channel_id,
		 channel_name, call_id, reason, duration_ms
		 FROM endpoint_events`+where+` ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing endpoint events: %w", err)
	}
	defer rows.Close()

	var events []models.EndpointEvent
	for rows.Next() {
		var ev models.EndpointEvent
		if err := rows.Scan(
			&ev.ID, &ev.Time, &ev.MediaServer, &ev.Token, &ev.Event, &ev.ChannelID,
			&ev.ChannelName, &ev.CallID, &ev.Reason, &ev.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scanning endpoint event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoint event rows: %w", err)
	}
	return events, nil
}

// Count returns the number of journal rows matching filter. Limit and Offset
// are ignored.
func (r *endpointEventRepo) Count(ctx context.Context, filter EndpointEventFilter) (int64, error) {
	where, args := filter.where()

	var count int64
	err := r.db.QueryRowContext(ctx, r.db.rebind("SELECT COUNT(*) FROM endpoint_events"+where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting endpoint events: %w", err)
	}
	return count, nil
}

// DeleteBefore removes journal rows older than before.
func (r *endpointEventRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.rebind("DELETE FROM endpoint_events WHERE occurred_at < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting endpoint events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// where builds the WHERE clause for f with ? placeholders.
func (f EndpointEventFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.MediaServer != "" {
		conds = append(conds, "mediaserver = ?")
		args = append(args, f.MediaServer)
	}
	if f.Token != "" {
		conds = append(conds, "token = ?")
		args = append(args, f.Token)
	}
	if f.Event != "" {
		conds = append(conds, "event = ?")
		args = append(args, f.Event)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
