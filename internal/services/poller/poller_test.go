package poller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	processed []models.Notification
	err       error
}

func (e *fakeEngine) Process(_ context.Context, n models.Notification) error {
	e.processed = append(e.processed, n)
	return e.err
}

// pagedLister serves pre-built pages in order, recording the cursor of each
// fetch.
type pagedLister struct {
	pages   [][]source.Event
	cursors []*float64
	err     error
}

func (l *pagedLister) FetchEvents(_ context.Context, after *float64, _ int) ([]source.Event, error) {
	l.cursors = append(l.cursors, after)
	if l.err != nil {
		return nil, l.err
	}
	if len(l.pages) == 0 {
		return nil, nil
	}
	page := l.pages[0]
	l.pages = l.pages[1:]
	return page, nil
}

type fakeWatermarkStore struct {
	mu         sync.Mutex
	watermark  *float64
	purgeCalls []time.Duration
	purged     int64
}

func (s *fakeWatermarkStore) LatestStartTime(context.Context) (*float64, error) {
	return s.watermark, nil
}

func (s *fakeWatermarkStore) PurgeUploadedOlderThan(_ context.Context, horizon time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeCalls = append(s.purgeCalls, horizon)
	return s.purged, nil
}

func (s *fakeWatermarkStore) purgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.purgeCalls)
}

type fakeSoftSweep struct {
	calls int
}

func (s *fakeSoftSweep) Soft(context.Context) { s.calls++ }

type fakeRetention struct {
	calls int
	err   error
}

func (r *fakeRetention) CleanupRemote(context.Context) error {
	r.calls++
	return r.err
}

func sourceEvent(id string, start float64) source.Event {
	end := start + 60
	return source.Event{ID: id, Camera: "front", StartTime: &start, EndTime: &end, HasClip: true}
}

func newTestPoller(engine *fakeEngine, lister *pagedLister, store *fakeWatermarkStore,
	sweep SoftSweeper, retention RemoteRetention, cycles *prometheus.CounterVec) *Poller {

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	return New(Opts{Log: log, CyclesCounter: cycles}, engine, lister, store, sweep, retention)
}

func TestRunCycle_PagesForwardFromWatermark(t *testing.T) {
	watermark := 1000.0
	lister := &pagedLister{pages: [][]source.Event{
		{sourceEvent("e1", 1100), sourceEvent("e2", 1200)},
		{sourceEvent("e3", 1300)},
	}}
	engine := &fakeEngine{}
	store := &fakeWatermarkStore{watermark: &watermark}

	p := newTestPoller(engine, lister, store, nil, nil, nil)
	p.runCycle(context.Background())

	require.Len(t, engine.processed, 3)
	assert.Equal(t, "e1", engine.processed[0].ID)
	assert.Equal(t, "e2", engine.processed[1].ID)
	assert.Equal(t, "e3", engine.processed[2].ID)

	// Cursor: watermark, then each page's max start_time, each widened
	// below the mark so boundary events are included, then the empty probe
	// that ends the listing.
	require.Len(t, lister.cursors, 3)
	assert.InDelta(t, 1000.0, *lister.cursors[0], 0.01)
	assert.Less(t, *lister.cursors[0], 1000.0)
	assert.InDelta(t, 1200.0, *lister.cursors[1], 0.01)
	assert.Less(t, *lister.cursors[1], 1200.0)
	assert.InDelta(t, 1300.0, *lister.cursors[2], 0.01)
	assert.Less(t, *lister.cursors[2], 1300.0)
}

func TestRunCycle_HealsEventAtWatermarkBoundary(t *testing.T) {
	// A missed-push event sharing the exact stored watermark start_time
	// must still be listed and reconciled.
	watermark := 1000.0
	lister := &pagedLister{pages: [][]source.Event{
		{sourceEvent("already-stored", 1000), sourceEvent("missed-twin", 1000)},
	}}
	engine := &fakeEngine{}
	store := &fakeWatermarkStore{watermark: &watermark}

	p := newTestPoller(engine, lister, store, nil, nil, nil)
	p.runCycle(context.Background())

	require.Len(t, engine.processed, 2)
	assert.Equal(t, "missed-twin", engine.processed[1].ID)

	// The page could not advance the cursor past the watermark, so paging
	// stops instead of refetching the boundary forever.
	assert.Len(t, lister.cursors, 1)
}

func TestRunCycle_EmptyStoreStartsFromBeginning(t *testing.T) {
	lister := &pagedLister{pages: [][]source.Event{{sourceEvent("e1", 1100)}}}
	engine := &fakeEngine{}
	store := &fakeWatermarkStore{}

	p := newTestPoller(engine, lister, store, nil, nil, nil)
	p.runCycle(context.Background())

	require.Len(t, engine.processed, 1)
	require.NotEmpty(t, lister.cursors)
	assert.Nil(t, lister.cursors[0], "no watermark means an unbounded first listing")
}

func TestRunCycle_StalledCursorStopsPaging(t *testing.T) {
	// Both pages carry the same start_time; the cursor cannot advance past
	// the first page, so the second fetch must not happen with the same
	// cursor again.
	lister := &pagedLister{pages: [][]source.Event{
		{sourceEvent("e1", 1100)},
		{sourceEvent("e1", 1100)},
	}}
	engine := &fakeEngine{}
	store := &fakeWatermarkStore{}

	p := newTestPoller(engine, lister, store, nil, nil, nil)
	p.runCycle(context.Background())

	require.Len(t, lister.cursors, 2)
	assert.Nil(t, lister.cursors[0])
	require.NotNil(t, lister.cursors[1])
	assert.InDelta(t, 1100.0, *lister.cursors[1], 0.01)
}

func TestRunCycle_EngineErrorDoesNotStopThePage(t *testing.T) {
	lister := &pagedLister{pages: [][]source.Event{
		{sourceEvent("e1", 1100), sourceEvent("e2", 1200)},
	}}
	engine := &fakeEngine{err: errors.New("store unavailable")}
	store := &fakeWatermarkStore{}

	p := newTestPoller(engine, lister, store, nil, nil, nil)
	p.runCycle(context.Background())

	assert.Len(t, engine.processed, 2, "one bad event must not abandon the rest of the page")
}

func TestRunCycle_RunsRetentionAndSweepEvenAfterListingFailure(t *testing.T) {
	lister := &pagedLister{err: source.ErrUnavailable}
	store := &fakeWatermarkStore{}
	sweep := &fakeSoftSweep{}
	retention := &fakeRetention{}
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_poll_cycles_total"}, []string{"result"})

	p := newTestPoller(&fakeEngine{}, lister, store, sweep, retention, cycles)
	p.runCycle(context.Background())

	assert.Len(t, store.purgeCalls, 1)
	assert.Equal(t, 40*24*time.Hour, store.purgeCalls[0])
	assert.Equal(t, 1, sweep.calls)
	assert.Equal(t, 1, retention.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("failure")))
}

func TestRunCycle_CountsSuccessfulCycles(t *testing.T) {
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_poll_cycles_total"}, []string{"result"})
	store := &fakeWatermarkStore{}

	p := newTestPoller(&fakeEngine{}, &pagedLister{}, store, nil, nil, cycles)
	p.runCycle(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(cycles.WithLabelValues("success")))
	assert.Len(t, store.purgeCalls, 1)
}

func TestStartStop(t *testing.T) {
	store := &fakeWatermarkStore{}
	p := newTestPoller(&fakeEngine{}, &pagedLister{}, store, nil, nil, nil)

	p.Start(context.Background())
	p.Stop()
	p.Stop()

	require.Eventually(t, func() bool {
		return store.purgeCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "the immediate first cycle must have run")
}
