// Package sweeper scans the event store for stuck events: a soft sweep for
// events still worth retrying (visibility only) and a hard escalation for
// events past the normal retry budget (operator alert). Neither mutates
// event state.
package sweeper

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/lib/logger/sl"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// minStuckAge keeps freshly created events out of both sweeps.
	minStuckAge = 5 * time.Minute
	// retryBudget splits soft (tries <= budget) from hard (tries >= budget).
	retryBudget = 5
)

type StuckLister interface {
	ListStuck(ctx context.Context, minAge time.Duration, filter models.TriesFilter) ([]string, error)
}

type Opts struct {
	Log                *slog.Logger
	EscalationInterval time.Duration
	StuckGauge         prometheus.Gauge
}

type Sweeper struct {
	log                *slog.Logger
	store              StuckLister
	escalationInterval time.Duration
	stuckGauge         prometheus.Gauge
	stopOnce           sync.Once
	stopChan           chan struct{}
}

func New(opts Opts, store StuckLister) *Sweeper {
	if opts.EscalationInterval <= 0 {
		opts.EscalationInterval = 6 * time.Hour
	}

	return &Sweeper{
		log:                opts.Log,
		store:              store,
		escalationInterval: opts.EscalationInterval,
		stuckGauge:         opts.StuckGauge,
		stopChan:           make(chan struct{}),
	}
}

// Start runs the hard escalation on its own timer. The soft sweep has no
// timer here; the poll cycle invokes it.
func (s *Sweeper) Start(ctx context.Context) {
	const op = "sweeper.Start"
	log := s.log.With(slog.String("op", op))

	ticker := time.NewTicker(s.escalationInterval)

	log.Info("starting hard escalation", slog.Duration("interval", s.escalationInterval))

	go func() {
		defer ticker.Stop()
		defer log.Info("stopping hard escalation")

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Hard(ctx)
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Soft lists events still inside the retry budget. Re-delivery already
// drives their retries; this is visibility only.
func (s *Sweeper) Soft(ctx context.Context) {
	const op = "sweeper.Soft"
	log := s.log.With(slog.String("op", op))

	eventIDs, err := s.store.ListStuck(ctx, minStuckAge, models.TriesBelow(retryBudget))
	if err != nil {
		log.Error("failed to list retriable stuck events", sl.Err(err))
		return
	}

	if len(eventIDs) == 0 {
		log.Debug("no retriable stuck events")
		return
	}

	log.Info("events awaiting further upload attempts",
		slog.Int("count", len(eventIDs)), slog.String("event_ids", strings.Join(eventIDs, ",")))
}

// Hard lists events past the retry budget and raises one operator alert
// per sweep when any exist.
func (s *Sweeper) Hard(ctx context.Context) {
	const op = "sweeper.Hard"
	log := s.log.With(slog.String("op", op))

	eventIDs, err := s.store.ListStuck(ctx, minStuckAge, models.TriesAtOrAbove(retryBudget))
	if err != nil {
		log.Error("failed to list escalation candidates", sl.Err(err))
		return
	}

	if s.stuckGauge != nil {
		s.stuckGauge.Set(float64(len(eventIDs)))
	}

	if len(eventIDs) == 0 {
		log.Debug("no events past the retry budget")
		return
	}

	log.Error("events exhausted their retry budget without a successful upload",
		slog.Int("count", len(eventIDs)), slog.String("event_ids", strings.Join(eventIDs, ",")))
}
