package storageapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipvault/clipvault/db/migrations"
	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/storage/postgres"
	"github.com/clipvault/clipvault/internal/storage/sqlite"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// EventStore is the full persistence contract of the events table. Both
// backends satisfy it; consumers depend on their own smaller slices.
type EventStore interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Create(ctx context.Context, eventID string, startTime *float64) error
	UploadStatus(ctx context.Context, eventID string) (models.UploadStatus, error)
	RetryAllowed(ctx context.Context, eventID string) (bool, error)
	Tries(ctx context.Context, eventID string) (int, error)
	RecordAttempt(ctx context.Context, eventID string, success bool) error
	DisableRetry(ctx context.Context, eventID string) error
	ListStuck(ctx context.Context, minAge time.Duration, filter models.TriesFilter) ([]string, error)
	LatestStartTime(ctx context.Context) (*float64, error)
	PurgeUploadedOlderThan(ctx context.Context, horizon time.Duration) (int64, error)
}

type App struct {
	Storage EventStore
	log     *slog.Logger
	stop    func()
}

// MustCreateApp opens the configured backend and applies the embedded
// schema ledger. Storage that cannot be opened or migrated is fatal.
func MustCreateApp(driver, addr string, log *slog.Logger) *App {
	app, err := New(driver, addr, log)
	if err != nil {
		panic(err)
	}

	return app
}

func New(driver, addr string, log *slog.Logger) (*App, error) {
	const op = "storageapp.New"

	if err := applyMigrations(driver, addr); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	switch driver {
	case "sqlite3":
		store, err := sqlite.New(addr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &App{Storage: store, log: log, stop: func() { store.Close() }}, nil
	case "postgres":
		store, err := postgres.New(context.Background(), addr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &App{Storage: store, log: log, stop: store.ClosePool}, nil
	default:
		return nil, fmt.Errorf("%s: unsupported db driver %q", op, driver)
	}
}

// applyMigrations runs the ordered, idempotent schema ledger once at
// startup; already-applied versions are recorded and skipped.
func applyMigrations(driver, addr string) error {
	const op = "storageapp.applyMigrations"

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(driver, addr))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func migrateURL(driver, addr string) string {
	if driver == "sqlite3" {
		return fmt.Sprintf("sqlite3://%s?x-migrations-table=migrations", addr)
	}

	return addr
}

func (a *App) Stop() {
	const op = "storageapp.Stop"
	a.log.With(slog.String("op", op)).Info("stopping storage app")
	a.stop()
}
