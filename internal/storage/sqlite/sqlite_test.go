package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/clipvault/clipvault/db/migrations"
	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/storage"
	"github.com/clipvault/clipvault/internal/storage/sqlite"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStorage migrates a fresh sqlite file and returns the store plus a
// raw connection for fixture tweaks like backdating rows.
func newTestStorage(t *testing.T) (*sqlite.Storage, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.db")

	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)

	m, err := migrate.NewWithSourceInstance("iofs", src, fmt.Sprintf("sqlite3://%s", path))
	require.NoError(t, err)
	require.NoError(t, m.Up())
	m.Close()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return store, db
}

func newEventID() string {
	return fmt.Sprintf("%d.%d-%s", gofakeit.Number(1600000000, 1700000000), gofakeit.Number(100000, 999999), gofakeit.LetterN(6))
}

func backdate(t *testing.T, db *sql.DB, eventID, modifier string) {
	t.Helper()
	_, err := db.Exec("UPDATE events SET created = datetime('now', ?) WHERE event_id = ?", modifier, eventID)
	require.NoError(t, err)
}

func setTries(t *testing.T, db *sql.DB, eventID string, tries int) {
	t.Helper()
	_, err := db.Exec("UPDATE events SET tries = ? WHERE event_id = ?", tries, eventID)
	require.NoError(t, err)
}

func TestCreateAndExists(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()
	eventID := newEventID()

	exists, err := store.Exists(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, exists)

	startTime := 2000.5
	require.NoError(t, store.Create(ctx, eventID, &startTime))

	exists, err = store.Exists(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, exists)

	event, err := store.Event(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, event.Uploaded)
	assert.Equal(t, 0, event.Tries)
	assert.True(t, event.Retry)
	require.True(t, event.StartTime.Valid)
	assert.Equal(t, startTime, event.StartTime.Float64)
}

func TestCreate_Duplicate(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()
	eventID := newEventID()

	require.NoError(t, store.Create(ctx, eventID, nil))

	err := store.Create(ctx, eventID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrEventExists)
}

func TestUploadStatus_Transitions(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()
	eventID := newEventID()

	status, err := store.UploadStatus(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnseen, status)

	require.NoError(t, store.Create(ctx, eventID, nil))

	status, err = store.UploadStatus(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, status)

	require.NoError(t, store.RecordAttempt(ctx, eventID, true))

	status, err = store.UploadStatus(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, status)
}

func TestRecordAttempt_CountsEveryAttempt(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()
	eventID := newEventID()

	require.NoError(t, store.Create(ctx, eventID, nil))

	require.NoError(t, store.RecordAttempt(ctx, eventID, false))
	require.NoError(t, store.RecordAttempt(ctx, eventID, false))

	tries, err := store.Tries(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, tries)

	require.NoError(t, store.RecordAttempt(ctx, eventID, true))

	event, err := store.Event(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, event.Uploaded)
	assert.Equal(t, 3, event.Tries)
}

func TestRecordAttempt_UploadedNeverReverts(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()
	eventID := newEventID()

	require.NoError(t, store.Create(ctx, eventID, nil))
	require.NoError(t, store.RecordAttempt(ctx, eventID, true))

	// A racing failed attempt afterwards still counts but cannot undo the
	// uploaded transition.
	require.NoError(t, store.RecordAttempt(ctx, eventID, false))

	event, err := store.Event(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, event.Uploaded)
	assert.Equal(t, 2, event.Tries)

	// The same holds for a racing second success.
	require.NoError(t, store.RecordAttempt(ctx, eventID, true))

	event, err = store.Event(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, event.Uploaded)
	assert.Equal(t, 3, event.Tries)
}

func TestRecordAttempt_UnknownEvent(t *testing.T) {
	store, _ := newTestStorage(t)

	err := store.RecordAttempt(context.Background(), newEventID(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrEventNotFound)
}

func TestDisableRetry_OneWay(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()
	eventID := newEventID()

	require.NoError(t, store.Create(ctx, eventID, nil))

	allowed, err := store.RetryAllowed(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, store.DisableRetry(ctx, eventID))

	allowed, err = store.RetryAllowed(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Disabling twice stays disabled and does not error.
	require.NoError(t, store.DisableRetry(ctx, eventID))

	// Tries are untouched; attempts are counted by RecordAttempt only.
	event, err := store.Event(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 0, event.Tries)
}

func TestDisableRetry_UnknownEvent(t *testing.T) {
	store, _ := newTestStorage(t)

	err := store.DisableRetry(context.Background(), newEventID())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrEventNotFound)
}

func TestRetryAllowed_UnknownEvent(t *testing.T) {
	store, _ := newTestStorage(t)

	_, err := store.RetryAllowed(context.Background(), newEventID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrEventNotFound))
}

func TestListStuck(t *testing.T) {
	store, db := newTestStorage(t)
	ctx := context.Background()

	soft := newEventID()
	hard := newEventID()
	fresh := newEventID()
	done := newEventID()

	for _, id := range []string{soft, hard, fresh, done} {
		require.NoError(t, store.Create(ctx, id, nil))
	}

	backdate(t, db, soft, "-10 minutes")
	backdate(t, db, hard, "-10 minutes")
	backdate(t, db, done, "-10 minutes")
	setTries(t, db, soft, 2)
	setTries(t, db, hard, 7)
	require.NoError(t, store.RecordAttempt(ctx, done, true))

	softIDs, err := store.ListStuck(ctx, 5*time.Minute, models.TriesBelow(5))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{soft}, softIDs)

	hardIDs, err := store.ListStuck(ctx, 5*time.Minute, models.TriesAtOrAbove(5))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{hard}, hardIDs)
}

func TestLatestStartTime(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()

	latest, err := store.LatestStartTime(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	first, second := 1000.0, 2000.0
	require.NoError(t, store.Create(ctx, newEventID(), &first))
	require.NoError(t, store.Create(ctx, newEventID(), &second))
	require.NoError(t, store.Create(ctx, newEventID(), nil))

	latest, err = store.LatestStartTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, *latest)
}

func TestPurgeUploadedOlderThan(t *testing.T) {
	store, db := newTestStorage(t)
	ctx := context.Background()

	oldUploaded := newEventID()
	recentUploaded := newEventID()
	oldPending := newEventID()

	for _, id := range []string{oldUploaded, recentUploaded, oldPending} {
		require.NoError(t, store.Create(ctx, id, nil))
	}
	require.NoError(t, store.RecordAttempt(ctx, oldUploaded, true))
	require.NoError(t, store.RecordAttempt(ctx, recentUploaded, true))
	backdate(t, db, oldUploaded, "-41 days")
	backdate(t, db, recentUploaded, "-39 days")
	backdate(t, db, oldPending, "-41 days")

	purged, err := store.PurgeUploadedOlderThan(ctx, 40*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	exists, err := store.Exists(ctx, oldUploaded)
	require.NoError(t, err)
	assert.False(t, exists)

	for _, id := range []string{recentUploaded, oldPending} {
		exists, err := store.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
}
