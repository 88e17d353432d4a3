// Package reconciler turns one event sighting into a store mutation and an
// upload decision. The push listener and the poll reconciler both feed this
// single decision function, so the two paths can never diverge in policy.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/lib/logger/sl"
	"github.com/clipvault/clipvault/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultSoftAlertTries is the failed-attempt count at which one soft alert
// is raised. Purely observational; it never changes retry eligibility.
const defaultSoftAlertTries = 3

type EventStore interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Create(ctx context.Context, eventID string, startTime *float64) error
	UploadStatus(ctx context.Context, eventID string) (models.UploadStatus, error)
	RetryAllowed(ctx context.Context, eventID string) (bool, error)
	Tries(ctx context.Context, eventID string) (int, error)
	RecordAttempt(ctx context.Context, eventID string, success bool) error
}

type ClipUploader interface {
	Upload(ctx context.Context, n models.Notification) bool
}

type ConnectivityProbe interface {
	Reachable(ctx context.Context) bool
}

type Opts struct {
	Log *slog.Logger
	// UploadDelay gives the upstream recorder time to finalize the clip file
	// before the attempt. A real wait, not a poll.
	UploadDelay    time.Duration
	SoftAlertTries int
	// AttemptsCounter, when set, counts attempts with a "result" label.
	AttemptsCounter *prometheus.CounterVec
}

type Reconciler struct {
	log             *slog.Logger
	store           EventStore
	uploader        ClipUploader
	probe           ConnectivityProbe
	uploadDelay     time.Duration
	softAlertTries  int
	attemptsCounter *prometheus.CounterVec
}

func New(opts Opts, store EventStore, uploader ClipUploader, probe ConnectivityProbe) *Reconciler {
	if opts.SoftAlertTries <= 0 {
		opts.SoftAlertTries = defaultSoftAlertTries
	}

	return &Reconciler{
		log:             opts.Log,
		store:           store,
		uploader:        uploader,
		probe:           probe,
		uploadDelay:     opts.UploadDelay,
		softAlertTries:  opts.SoftAlertTries,
		attemptsCounter: opts.AttemptsCounter,
	}
}

// Process reconciles one sighting of an event. It is idempotent: running it
// twice on the same notification with no intervening state change leaves
// the store exactly as after the first run. A returned error means "no
// progress this round"; the sighting is expected to be re-delivered.
func (r *Reconciler) Process(ctx context.Context, n models.Notification) error {
	const op = "reconciler.Process"
	log := r.log.With(slog.String("op", op), slog.String("event_id", n.ID))

	// Existence tracking is unconditional: every sighting of an unseen
	// event creates its record, eligible for upload or not.
	exists, err := r.store.Exists(ctx, n.ID)
	if err != nil {
		log.Error("failed to check event existence", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		if err := r.store.Create(ctx, n.ID, n.StartTime); err != nil && !errors.Is(err, storage.ErrEventExists) {
			log.Error("failed to create event", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Debug("event recorded")
	}

	if n.EndTime == nil || !n.HasClip {
		log.Debug("no finalized clip for event yet")
		return nil
	}

	if !r.probe.Reachable(ctx) {
		log.Debug("network unreachable, deferring upload")
		return nil
	}

	allowed, err := r.store.RetryAllowed(ctx, n.ID)
	if err != nil {
		log.Error("failed to read retry flag", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if !allowed {
		log.Debug("event marked non-retriable, skipping upload")
		return nil
	}

	status, err := r.store.UploadStatus(ctx, n.ID)
	if err != nil {
		log.Error("failed to read upload status", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if status == models.StatusUploaded {
		log.Debug("event already uploaded, skipping")
		return nil
	}

	if r.uploadDelay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(r.uploadDelay):
		}
	}

	log.Debug("uploading clip")

	if r.uploader.Upload(ctx, n) {
		r.countAttempt("success")
		if err := r.store.RecordAttempt(ctx, n.ID, true); err != nil {
			log.Error("failed to record successful attempt", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Info("clip uploaded")
		return nil
	}

	r.countAttempt("failure")
	if err := r.store.RecordAttempt(ctx, n.ID, false); err != nil {
		log.Error("failed to record failed attempt", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	tries, err := r.store.Tries(ctx, n.ID)
	if err != nil {
		log.Error("failed to read tries", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if tries == r.softAlertTries {
		log.Error("upload keeps failing", slog.Int("tries", tries))
	} else {
		log.Warn("upload failed", slog.Int("tries", tries))
	}

	return nil
}

func (r *Reconciler) countAttempt(result string) {
	if r.attemptsCounter != nil {
		r.attemptsCounter.WithLabelValues(result).Inc()
	}
}
