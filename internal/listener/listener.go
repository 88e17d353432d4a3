// Package listener consumes push notifications from the bus and feeds
// finalized clip events to the reconciler, one message at a time. A slow
// upload backpressures the bus read by design.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/lib/logger/sl"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

// Reconnect policy for a broken bus connection: capped exponential backoff,
// fatal once exhausted.
const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultMaxReconnects  = 12
)

// ErrBusGone is returned when the bus stayed unreachable through the whole
// reconnect budget. The process is expected to exit on it.
var ErrBusGone = errors.New("bus unreachable after exhausting reconnect attempts")

type MessageSource interface {
	Read(ctx context.Context) ([]byte, error)
}

type Engine interface {
	Process(ctx context.Context, n models.Notification) error
}

// envelope is the strict push payload schema. Missing required fields fail
// validation instead of being read as zero values.
type envelope struct {
	Type  string        `json:"type" validate:"required"`
	After *eventPayload `json:"after" validate:"required"`
}

type eventPayload struct {
	ID        string   `json:"id" validate:"required"`
	Camera    string   `json:"camera"`
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	HasClip   bool     `json:"has_clip"`
}

type Opts struct {
	Log            *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnects  int
	// MessagesCounter, when set, counts handled messages by outcome.
	MessagesCounter *prometheus.CounterVec
}

type Listener struct {
	log             *slog.Logger
	source          MessageSource
	engine          Engine
	validator       *validator.Validate
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	maxReconnects   int
	messagesCounter *prometheus.CounterVec
}

func New(opts Opts, source MessageSource, engine Engine) *Listener {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}

	return &Listener{
		log:             opts.Log,
		source:          source,
		engine:          engine,
		validator:       validator.New(),
		initialBackoff:  opts.InitialBackoff,
		maxBackoff:      opts.MaxBackoff,
		maxReconnects:   opts.MaxReconnects,
		messagesCounter: opts.MessagesCounter,
	}
}

// Run consumes until the context is canceled or the bus is gone for good.
// Notifications are processed to completion, upload included, before the
// next message is read.
func (l *Listener) Run(ctx context.Context) error {
	const op = "listener.Run"
	log := l.log.With(slog.String("op", op))

	log.Info("listening for event notifications")

	failures := 0
	backoff := l.initialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		value, err := l.source.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			failures++
			if failures >= l.maxReconnects {
				log.Error("giving up on bus reconnection", slog.Int("attempts", failures), sl.Err(err))
				return fmt.Errorf("%s: %w", op, ErrBusGone)
			}

			log.Error("bus read failed, reconnecting",
				slog.Int("attempt", failures), slog.Duration("backoff", backoff), sl.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > l.maxBackoff {
				backoff = l.maxBackoff
			}
			continue
		}

		failures = 0
		backoff = l.initialBackoff

		l.handle(ctx, value)
	}
}

func (l *Listener) handle(ctx context.Context, value []byte) {
	const op = "listener.handle"
	log := l.log.With(slog.String("op", op))

	notification, ok, err := l.parseNotification(value)
	if err != nil {
		l.countMessage("invalid")
		log.Error("dropping malformed notification", sl.Err(err))
		return
	}
	if !ok {
		l.countMessage("ignored")
		log.Debug("ignoring notification without finalized clip")
		return
	}

	if err := l.engine.Process(ctx, notification); err != nil {
		l.countMessage("error")
		log.Error("failed to reconcile notification",
			slog.String("event_id", notification.ID), sl.Err(err))
		return
	}

	l.countMessage("processed")
}

// parseNotification decodes the push payload strictly and applies the
// trigger filter: only "end" messages with a non-null end_time and has_clip
// reach the engine; everything else is ignored without side effects.
func (l *Listener) parseNotification(value []byte) (models.Notification, bool, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return models.Notification{}, false, fmt.Errorf("decode payload: %w", err)
	}

	if err := l.validator.Struct(env); err != nil {
		return models.Notification{}, false, fmt.Errorf("validate payload: %w", err)
	}

	if env.Type != "end" || env.After.EndTime == nil || !env.After.HasClip {
		return models.Notification{}, false, nil
	}

	return models.Notification{
		ID:        env.After.ID,
		Camera:    env.After.Camera,
		StartTime: env.After.StartTime,
		EndTime:   env.After.EndTime,
		HasClip:   env.After.HasClip,
	}, true, nil
}

func (l *Listener) countMessage(outcome string) {
	if l.messagesCounter != nil {
		l.messagesCounter.WithLabelValues(outcome).Inc()
	}
}
