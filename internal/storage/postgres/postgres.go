package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/storage"
	"github.com/clipvault/clipvault/internal/storage/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Storage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, dbAddr string) (*Storage, error) {
	const op = "storage.postgres.New"

	dbpool, err := pgxpool.New(ctx, dbAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{dbpool: dbpool}, nil
}

func (s *Storage) Exists(ctx context.Context, eventID string) (bool, error) {
	const op = "storage.postgres.Exists"

	var one int
	err := s.dbpool.QueryRow(ctx, "SELECT 1 FROM events WHERE event_id=$1", eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

func (s *Storage) Create(ctx context.Context, eventID string, startTime *float64) error {
	const op = "storage.postgres.Create"

	query := "INSERT INTO events(event_id, start_time) VALUES(@eventId, @startTime)"
	args := pgx.NamedArgs{
		"eventId":   eventID,
		"startTime": startTime,
	}

	if _, err := s.dbpool.Exec(ctx, query, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", op, storage.ErrEventExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) UploadStatus(ctx context.Context, eventID string) (models.UploadStatus, error) {
	const op = "storage.postgres.UploadStatus"

	var uploaded int
	err := s.dbpool.QueryRow(ctx, "SELECT uploaded FROM events WHERE event_id=$1", eventID).Scan(&uploaded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StatusUnseen, nil
		}
		return models.StatusUnseen, fmt.Errorf("%s: %w", op, err)
	}

	if uploaded == 1 {
		return models.StatusUploaded, nil
	}

	return models.StatusPending, nil
}

func (s *Storage) RetryAllowed(ctx context.Context, eventID string) (bool, error) {
	const op = "storage.postgres.RetryAllowed"

	var retry int
	err := s.dbpool.QueryRow(ctx, "SELECT retry FROM events WHERE event_id=$1", eventID).Scan(&retry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return retry == 1, nil
}

func (s *Storage) Tries(ctx context.Context, eventID string) (int, error) {
	const op = "storage.postgres.Tries"

	var tries int
	err := s.dbpool.QueryRow(ctx, "SELECT tries FROM events WHERE event_id=$1", eventID).Scan(&tries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tries, nil
}

// Event loads one full lifecycle row.
func (s *Storage) Event(ctx context.Context, eventID string) (model.Event, error) {
	const op = "storage.postgres.Event"

	query := "SELECT event_id,uploaded,tries,retry,created,last_updated,start_time FROM events WHERE event_id=$1"

	var (
		event           model.Event
		uploaded, retry int
	)
	err := s.dbpool.QueryRow(ctx, query, eventID).Scan(&event.EventID, &uploaded,
		&event.Tries, &retry, &event.Created, &event.LastUpdated, &event.StartTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return model.Event{}, fmt.Errorf("%s: %w", op, err)
	}
	event.Uploaded = uploaded == 1
	event.Retry = retry == 1

	return event, nil
}

// RecordAttempt counts one upload attempt. The success transition is
// committed conditionally (WHERE uploaded=0) so concurrent attempts on the
// same event converge on a single commit; a losing attempt still counts its
// try. Failures never touch the uploaded column.
func (s *Storage) RecordAttempt(ctx context.Context, eventID string, success bool) error {
	const op = "storage.postgres.RecordAttempt"

	if success {
		tag, err := s.dbpool.Exec(ctx,
			"UPDATE events SET uploaded=1, tries=tries+1, last_updated=now() WHERE event_id=$1 AND uploaded=0",
			eventID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	tag, err := s.dbpool.Exec(ctx,
		"UPDATE events SET tries=tries+1, last_updated=now() WHERE event_id=$1",
		eventID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
	}

	return nil
}

func (s *Storage) DisableRetry(ctx context.Context, eventID string) error {
	const op = "storage.postgres.DisableRetry"

	tag, err := s.dbpool.Exec(ctx,
		"UPDATE events SET retry=0, last_updated=now() WHERE event_id=$1 AND retry=1",
		eventID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if tag.RowsAffected() == 0 {
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
	const op = "storage.postgres.ListStuck"

	query := "SELECT event_id FROM events WHERE uploaded=0 AND created <= now() - make_interval(secs => $1)"
	args := []any{minAge.Seconds()}

	switch {
	case filter.Below != nil:
		query += " AND tries <= $2"
		args = append(args, *filter.Below)
	case filter.AtOrAbove != nil:
		query += " AND tries >= $2"
		args = append(args, *filter.AtOrAbove)
	}

	rows, err := s.dbpool.Query(ctx, query, args...)
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
	const op = "storage.postgres.LatestStartTime"

	var latest *float64
	if err := s.dbpool.QueryRow(ctx, "SELECT MAX(start_time) FROM events").Scan(&latest); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return latest, nil
}

func (s *Storage) PurgeUploadedOlderThan(ctx context.Context, horizon time.Duration) (int64, error) {
	const op = "storage.postgres.PurgeUploadedOlderThan"

	tag, err := s.dbpool.Exec(ctx,
		"DELETE FROM events WHERE uploaded=1 AND created <= now() - make_interval(secs => $1)",
		horizon.Seconds())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

func (s *Storage) ClosePool() {
	s.dbpool.Close()
}
