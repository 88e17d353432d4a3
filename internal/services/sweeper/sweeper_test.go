package sweeper_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/services/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	soft    []string
	hard    []string
	err     error
	filters []models.TriesFilter
}

func (l *fakeLister) ListStuck(_ context.Context, _ time.Duration, filter models.TriesFilter) ([]string, error) {
	l.filters = append(l.filters, filter)
	if l.err != nil {
		return nil, l.err
	}
	if filter.AtOrAbove != nil {
		return l.hard, nil
	}
	return l.soft, nil
}

func newTestSweeper(lister *fakeLister, gauge prometheus.Gauge) (*sweeper.Sweeper, *bytes.Buffer) {
	var logBuf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return sweeper.New(sweeper.Opts{Log: log, StuckGauge: gauge}, lister), &logBuf
}

func TestSoft_ListsRetriableEvents(t *testing.T) {
	lister := &fakeLister{soft: []string{"e1", "e2"}}
	s, logBuf := newTestSweeper(lister, nil)

	s.Soft(context.Background())

	require.Len(t, lister.filters, 1)
	require.NotNil(t, lister.filters[0].Below)
	assert.Equal(t, 5, *lister.filters[0].Below)

	out := logBuf.String()
	assert.Contains(t, out, "events awaiting further upload attempts")
	assert.Contains(t, out, "e1,e2")
	assert.NotContains(t, out, "level=ERROR")
}

func TestSoft_QuietWhenNothingStuck(t *testing.T) {
	s, logBuf := newTestSweeper(&fakeLister{}, nil)

	s.Soft(context.Background())

	assert.NotContains(t, logBuf.String(), "level=INFO")
}

func TestHard_AlertsWithEventIDs(t *testing.T) {
	lister := &fakeLister{hard: []string{"e7", "e8", "e9"}}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_stuck_events"})
	s, logBuf := newTestSweeper(lister, gauge)

	s.Hard(context.Background())

	require.Len(t, lister.filters, 1)
	require.NotNil(t, lister.filters[0].AtOrAbove)
	assert.Equal(t, 5, *lister.filters[0].AtOrAbove)

	out := logBuf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "exhausted their retry budget")
	assert.Contains(t, out, "e7,e8,e9")
	assert.Equal(t, float64(3), testutil.ToFloat64(gauge))
}

func TestHard_ResetsGaugeWhenClear(t *testing.T) {
	lister := &fakeLister{hard: []string{"e7"}}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_stuck_events"})
	s, logBuf := newTestSweeper(lister, gauge)

	s.Hard(context.Background())
	require.Equal(t, float64(1), testutil.ToFloat64(gauge))

	lister.hard = nil
	s.Hard(context.Background())

	assert.Equal(t, float64(0), testutil.ToFloat64(gauge))
	assert.Equal(t, 1, bytes.Count(logBuf.Bytes(), []byte("level=ERROR")))
}

func TestSweeps_StoreErrorDoesNotPanic(t *testing.T) {
	lister := &fakeLister{err: errors.New("db locked")}
	s, logBuf := newTestSweeper(lister, nil)

	s.Soft(context.Background())
	s.Hard(context.Background())

	assert.Equal(t, 2, bytes.Count(logBuf.Bytes(), []byte("level=ERROR")))
}

func TestStartStop(t *testing.T) {
	s, _ := newTestSweeper(&fakeLister{}, nil)

	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
