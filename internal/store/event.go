package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/reminderd/internal/model"
)

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `id, name, event_date, user_id, device_id, notifications_enabled, reminder_offsets, created_at, updated_at`

type eventRow interface {
	Scan(dest ...any) error
}

func scanEvent(row eventRow) (*model.Event, error) {
	var (
		e       model.Event
		date    sql.NullTime
		enabled sql.NullInt64
		offsets sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Name, &date, &e.UserID, &e.DeviceID, &enabled, &offsets, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if date.Valid {
		d := date.Time.UTC()
		e.Date = &d
	}
	if enabled.Valid || offsets.Valid {
		e.NotificationSettings = &model.NotificationSettings{}
		if enabled.Valid {
			b := enabled.Int64 != 0
			e.NotificationSettings.Enabled = &b
		}
		if offsets.Valid {
			reminders := []int{}
			if err := json.Unmarshal([]byte(offsets.String), &reminders); err != nil {
				return nil, fmt.Errorf("decode reminder offsets: %w", err)
			}
			e.NotificationSettings.Reminders = reminders
		}
	}
	return &e, nil
}

// settingsColumns flattens notification settings into their nullable columns.
func settingsColumns(ns *model.NotificationSettings) (sql.NullInt64, sql.NullString, error) {
	var (
		enabled sql.NullInt64
		offsets sql.NullString
	)
	if ns == nil {
		return enabled, offsets, nil
	}
	if ns.Enabled != nil {
		enabled.Valid = true
		if *ns.Enabled {
			enabled.Int64 = 1
		}
	}
	if ns.Reminders != nil {
		b, err := json.Marshal(ns.Reminders)
		if err != nil {
			return enabled, offsets, fmt.Errorf("encode reminder offsets: %w", err)
		}
		offsets = sql.NullString{String: string(b), Valid: true}
	}
	return enabled, offsets, nil
}

func nullDate(d *time.Time) sql.NullTime {
	if d == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: d.UTC(), Valid: true}
}

// Create inserts e, assigning a new ID when e.ID is empty.
func (s *EventStore) Create(ctx context.Context, e *model.Event) (*model.Event, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	enabled, offsets, err := settingsColumns(e.NotificationSettings)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, name, event_date, user_id, device_id, notifications_enabled, reminder_offsets)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, e.Name, nullDate(e.Date), e.UserID, e.DeviceID, enabled, offsets,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID returns the event, or nil if it does not exist.
func (s *EventStore) GetByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// FindEventByID resolves a live event for the dispatcher.
func (s *EventStore) FindEventByID(ctx context.Context, id string) (*model.Event, error) {
	return s.GetByID(ctx, id)
}

// Update replaces the mutable fields of an existing event. Returns nil if the
// event does not exist. Ownership is fixed at creation.
func (s *EventStore) Update(ctx context.Context, e *model.Event) (*model.Event, error) {
	enabled, offsets, err := settingsColumns(e.NotificationSettings)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET name = ?, event_date = ?, notifications_enabled = ?, reminder_offsets = ?
		 WHERE id = ?`,
		e.Name, nullDate(e.Date), enabled, offsets, e.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetByID(ctx, e.ID)
}

// Delete removes an event and reports whether it existed.
func (s *EventStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListByOwner returns the events of a user or device ordered by date.
func (s *EventStore) ListByOwner(ctx context.Context, userID, deviceID string) ([]model.Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case userID != "":
		rows, err = s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = ? ORDER BY event_date`, userID)
	case deviceID != "":
		rows, err = s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE device_id = ? ORDER BY event_date`, deviceID)
	default:
		return nil, fmt.Errorf("list events: owner required")
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
