package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/storage"
	"github.com/clipvault/clipvault/internal/storage/model"
	"github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Exists(ctx context.Context, eventID string) (bool, error) {
	const op = "storage.sqlite.Exists"

	stmt, err := s.db.Prepare("SELECT 1 FROM events WHERE event_id=?")
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	var one int
	if err := stmt.QueryRowContext(ctx, eventID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

func (s *Storage) Create(ctx context.Context, eventID string, startTime *float64) error {
	const op = "storage.sqlite.Create"

	stmt, err := s.db.Prepare("INSERT INTO events(event_id, start_time) VALUES(?,?)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, eventID, nullFloat(startTime)); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s: %w", op, storage.ErrEventExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) UploadStatus(ctx context.Context, eventID string) (models.UploadStatus, error) {
	const op = "storage.sqlite.UploadStatus"

	stmt, err := s.db.Prepare("SELECT uploaded FROM events WHERE event_id=?")
	if err != nil {
		return models.StatusUnseen, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	var uploaded bool
	if err := stmt.QueryRowContext(ctx, eventID).Scan(&uploaded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StatusUnseen, nil
		}
		return models.StatusUnseen, fmt.Errorf("%s: %w", op, err)
	}

	if uploaded {
		return models.StatusUploaded, nil
	}

	return models.StatusPending, nil
}

func (s *Storage) RetryAllowed(ctx context.Context, eventID string) (bool, error) {
	const op = "storage.sqlite.RetryAllowed"

	stmt, err := s.db.Prepare("SELECT retry FROM events WHERE event_id=?")
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	var retry bool
	if err := stmt.QueryRowContext(ctx, eventID).Scan(&retry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return retry, nil
}

func (s *Storage) Tries(ctx context.Context, eventID string) (int, error) {
	const op = "storage.sqlite.Tries"

	stmt, err := s.db.Prepare("SELECT tries FROM events WHERE event_id=?")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	var tries int
	if err := stmt.QueryRowContext(ctx, eventID).Scan(&tries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tries, nil
}

// Event loads one full lifecycle row.
func (s *Storage) Event(ctx context.Context, eventID string) (model.Event, error) {
	const op = "storage.sqlite.Event"

	stmt, err := s.db.Prepare("SELECT event_id,uploaded,tries,retry,created,last_updated,start_time FROM events WHERE event_id=?")
	if err != nil {
		return model.Event{}, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	var event model.Event
	row := stmt.QueryRowContext(ctx, eventID)
	if err := row.Scan(&event.EventID, &event.Uploaded, &event.Tries, &event.Retry,
		&event.Created, &event.LastUpdated, &event.StartTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return model.Event{}, fmt.Errorf("%s: %w", op, err)
	}

	return event, nil
}

// RecordAttempt counts one upload attempt. A successful attempt commits the
// uploaded transition conditionally (WHERE uploaded=0) so that when two
// attempts race, only one commits the transition; the loser still gets its
// try counted. A failed attempt never touches the uploaded column, so a
// committed upload cannot revert.
func (s *Storage) RecordAttempt(ctx context.Context, eventID string, success bool) error {
	const op = "storage.sqlite.RecordAttempt"

	if success {
		res, err := s.db.ExecContext(ctx,
			"UPDATE events SET uploaded=1, tries=tries+1, last_updated=CURRENT_TIMESTAMP WHERE event_id=? AND uploaded=0",
			eventID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if affected > 0 {
			return nil
		}
		// Already uploaded by a concurrent attempt; fall through and count
		// the try anyway.
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET tries=tries+1, last_updated=CURRENT_TIMESTAMP WHERE event_id=?",
		eventID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
	}

	return nil
}

// DisableRetry permanently disqualifies the event from further upload
// attempts. It does not touch the tries counter; attempts are counted by
// RecordAttempt only.
func (s *Storage) DisableRetry(ctx context.Context, eventID string) error {
	const op = "storage.sqlite.DisableRetry"

	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET retry=0, last_updated=CURRENT_TIMESTAMP WHERE event_id=? AND retry=1",
		eventID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		// Either already disabled (fine, one-way transition) or unknown.
		exists, err := s.Exists(ctx, eventID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !exists {
			return fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
	}

	return nil
}

func (s *Storage) ListStuck(ctx context.Context, minAge time.Duration, filter models.TriesFilter) ([]string, error) {
	const op = "storage.sqlite.ListStuck"

	query := "SELECT event_id FROM events WHERE uploaded=0 AND created <= datetime('now', ?)"
	args := []any{agoModifier(minAge)}

	switch {
	case filter.Below != nil:
		query += " AND tries <= ?"
		args = append(args, *filter.Below)
	case filter.AtOrAbove != nil:
		query += " AND tries >= ?"
		args = append(args, *filter.AtOrAbove)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var eventIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		eventIDs = append(eventIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return eventIDs, nil
}

func (s *Storage) LatestStartTime(ctx context.Context) (*float64, error) {
	const op = "storage.sqlite.LatestStartTime"

	var latest sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(start_time) FROM events").Scan(&latest); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !latest.Valid {
		return nil, nil
	}

	return &latest.Float64, nil
}

func (s *Storage) PurgeUploadedOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	const op = "storage.sqlite.PurgeUploadedOlderThan"

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE uploaded=1 AND created <= datetime('now', ?)",
		agoModifier(horizon))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return purged, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// agoModifier renders a duration as a sqlite datetime modifier, e.g.
// "-300 seconds".
func agoModifier(d time.Duration) string {
	return fmt.Sprintf("-%d seconds", int64(d.Seconds()))
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
