package app

import (
	"context"
	"log/slog"
	"time"

	prometheusapp "github.com/clipvault/clipvault/internal/app/prometheus"
	storageapp "github.com/clipvault/clipvault/internal/app/storage"
	"github.com/clipvault/clipvault/internal/config"
	"github.com/clipvault/clipvault/internal/kafka"
	"github.com/clipvault/clipvault/internal/listener"
	"github.com/clipvault/clipvault/internal/probe"
	"github.com/clipvault/clipvault/internal/remote"
	"github.com/clipvault/clipvault/internal/services/poller"
	"github.com/clipvault/clipvault/internal/services/reconciler"
	"github.com/clipvault/clipvault/internal/services/sweeper"
	"github.com/clipvault/clipvault/internal/source"
	"github.com/clipvault/clipvault/internal/uploader"
)

type App struct {
	metrics  *prometheusapp.App
	storage  *storageapp.App
	consumer *kafka.Consumer
	listener *listener.Listener
	poller   *poller.Poller
	sweeper  *sweeper.Sweeper
	cancel   context.CancelFunc
	ctx      context.Context
}

func New(log *slog.Logger, cfg config.Config) *App {
	metrics := prometheusapp.New(log, cfg.MetricsPort)

	storageAddr := cfg.StoragePath
	if cfg.DBDriver == "postgres" {
		storageAddr = cfg.DatabaseURL
	}
	storage := storageapp.MustCreateApp(cfg.DBDriver, storageAddr, log)

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		panic(err)
	}

	sourceClient := source.New(cfg.SourceURL, nil)
	remoteClient := remote.New(cfg.RemoteURL, cfg.RemoteToken, nil)

	clipUploader := uploader.New(uploader.Opts{
		Log:           log,
		RootFolder:    cfg.UploadRoot,
		Location:      location,
		UploadTimeout: cfg.UploadTimeout,
		RetentionDays: cfg.RemoteRetentionDays,
	}, sourceClient, remoteClient, storage.Storage)

	prober := probe.New(cfg.ProbeAddr, cfg.ProbeTimeout)

	engine := reconciler.New(reconciler.Opts{
		Log:             log,
		UploadDelay:     cfg.UploadDelay,
		AttemptsCounter: metrics.UploadAttempts,
	}, storage.Storage, clipUploader, prober)

	sweep := sweeper.New(sweeper.Opts{
		Log:                log,
		EscalationInterval: cfg.EscalationInterval,
		StuckGauge:         metrics.StuckEvents,
	}, storage.Storage)

	// Remote retention rides the poll cycle; a zero horizon leaves it out.
	var retention poller.RemoteRetention
	if cfg.RemoteRetentionDays > 0 {
		retention = clipUploader
	}

	poll := poller.New(poller.Opts{
		Log:              log,
		Interval:         cfg.PollInterval,
		BatchSize:        cfg.PollBatchSize,
		RetentionHorizon: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		CyclesCounter:    metrics.PollCycles,
	}, engine, sourceClient, storage.Storage, sweep, retention)

	consumer := kafka.NewConsumer(kafka.ConsumerOpts{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		User:     cfg.Kafka.User,
		Password: cfg.Kafka.Password,
	})

	busListener := listener.New(listener.Opts{
		Log:             log,
		MessagesCounter: metrics.Messages,
	}, consumer, engine)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		metrics:  metrics,
		storage:  storage,
		consumer: consumer,
		listener: busListener,
		poller:   poll,
		sweeper:  sweep,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// MustRun starts the periodic services and consumes the bus in the calling
// goroutine. An exhausted bus reconnect budget is fatal.
func (a *App) MustRun() {
	go a.metrics.MustRun()
	a.poller.Start(a.ctx)
	a.sweeper.Start(a.ctx)

	if err := a.listener.Run(a.ctx); err != nil {
		panic(err)
	}
}

func (a *App) Stop() error {
	a.cancel()
	a.poller.Stop()
	a.sweeper.Stop()
	err := a.consumer.Close()
	a.storage.Stop()
	return err
}
