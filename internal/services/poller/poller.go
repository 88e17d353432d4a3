// Package poller periodically lists all source events past the stored
// watermark and feeds them through the reconciler, healing gaps left by
// missed push notifications. Each cycle ends with local retention, the soft
// sweep, and remote retention.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipvault/clipvault/internal/domain/converter"
	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/lib/logger/sl"
	"github.com/clipvault/clipvault/internal/source"
	"github.com/prometheus/client_golang/prometheus"
)

type Engine interface {
	Process(ctx context.Context, n models.Notification) error
}

type EventLister interface {
	FetchEvents(ctx context.Context, after *float64, limit int) ([]source.Event, error)
}

type WatermarkStore interface {
	LatestStartTime(ctx context.Context) (*float64, error)
	PurgeUploadedOlderThan(ctx context.Context, horizon time.Duration) (int64, error)
}

// SoftSweeper surfaces still-retriable stuck events for visibility; the
// poll cycle is its scheduler in this deployment.
type SoftSweeper interface {
	Soft(ctx context.Context)
}

// RemoteRetention ages files out of the archive side.
type RemoteRetention interface {
	CleanupRemote(ctx context.Context) error
}

type Opts struct {
	Log              *slog.Logger
	Interval         time.Duration
	BatchSize        int
	RetentionHorizon time.Duration
	CyclesCounter    *prometheus.CounterVec
}

type Poller struct {
	log              *slog.Logger
	engine           Engine
	lister           EventLister
	store            WatermarkStore
	softSweep        SoftSweeper
	retention        RemoteRetention
	interval         time.Duration
	batchSize        int
	retentionHorizon time.Duration
	cyclesCounter    *prometheus.CounterVec
	stopOnce         sync.Once
	stopChan         chan struct{}
}

func New(opts Opts, engine Engine, lister EventLister, store WatermarkStore, softSweep SoftSweeper, retention RemoteRetention) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.RetentionHorizon <= 0 {
		opts.RetentionHorizon = 40 * 24 * time.Hour
	}

	return &Poller{
		log:              opts.Log,
		engine:           engine,
		lister:           lister,
		store:            store,
		softSweep:        softSweep,
		retention:        retention,
		interval:         opts.Interval,
		batchSize:        opts.BatchSize,
		retentionHorizon: opts.RetentionHorizon,
		cyclesCounter:    opts.CyclesCounter,
		stopChan:         make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) {
	const op = "poller.Start"
	log := p.log.With(slog.String("op", op))

	ticker := time.NewTicker(p.interval)

	log.Info("starting poll reconciliation",
		slog.Duration("interval", p.interval), slog.Int("batch_size", p.batchSize))

	go func() {
		defer ticker.Stop()
		defer log.Info("stopping poll reconciliation")

		// One cycle up front so a restart heals immediately instead of
		// waiting out the first interval.
		p.runCycle(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.runCycle(ctx)
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
}

func (p *Poller) runCycle(ctx context.Context) {
	const op = "poller.runCycle"
	log := p.log.With(slog.String("op", op))

	if err := p.reconcileAll(ctx); err != nil {
		p.countCycle("failure")
		log.Error("poll cycle failed", sl.Err(err))
	} else {
		p.countCycle("success")
	}

	purged, err := p.store.PurgeUploadedOlderThan(ctx, p.retentionHorizon)
	if err != nil {
		log.Error("retention purge failed", sl.Err(err))
	} else if purged > 0 {
		log.Info("purged uploaded events past retention", slog.Int64("purged", purged))
	}

	if p.softSweep != nil {
		p.softSweep.Soft(ctx)
	}

	if p.retention != nil {
		if err := p.retention.CleanupRemote(ctx); err != nil {
			log.Error("remote retention failed", sl.Err(err))
		}
	}
}

// cursorSlack widens each listing fetch below the cursor. The source's
// `after` parameter is strictly-after, but the watermark contract is "at or
// after": a missed event sharing the exact stored start_time must still be
// listed. Re-listing boundary events is harmless, the engine is idempotent.
const cursorSlack = 0.001

// reconcileAll pages forward from the watermark and feeds every listed
// event through the engine in listing order.
func (p *Poller) reconcileAll(ctx context.Context) error {
	const op = "poller.reconcileAll"
	log := p.log.With(slog.String("op", op))

	watermark, err := p.store.LatestStartTime(ctx)
	if err != nil {
		return err
	}

	cursor := watermark
	total := 0

	for {
		events, err := p.lister.FetchEvents(ctx, slackedCursor(cursor), p.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}

		var pageMax *float64
		for _, notification := range converter.ToNotificationsFromSource(events) {
			if err := p.engine.Process(ctx, notification); err != nil {
				log.Error("failed to reconcile event",
					slog.String("event_id", notification.ID), sl.Err(err))
			}
			if notification.StartTime != nil && (pageMax == nil || *notification.StartTime > *pageMax) {
				pageMax = notification.StartTime
			}
		}
		total += len(events)

		// A page without a forward-moving start_time cannot advance the
		// cursor; stop rather than refetch the same page forever. The slack
		// makes a re-listed boundary event look like such a page, so the
		// guard compares against the unslacked cursor.
		if pageMax == nil || (cursor != nil && *pageMax <= *cursor) {
			break
		}
		cursor = pageMax
	}

	if total > 0 {
		log.Info("reconciled events from poll", slog.Int("events", total))
	}

	return nil
}

func slackedCursor(cursor *float64) *float64 {
	if cursor == nil {
		return nil
	}
	v := *cursor - cursorSlack
	return &v
}

func (p *Poller) countCycle(result string) {
	if p.cyclesCounter != nil {
		p.cyclesCounter.WithLabelValues(result).Inc()
	}
}
