package prometheusapp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/clipvault/clipvault/internal/lib/logger/sl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type App struct {
	log  *slog.Logger
	port int
	reg  *prometheus.Registry

	// UploadAttempts counts upload attempts by result (success/failure).
	UploadAttempts *prometheus.CounterVec
	// Messages counts handled bus messages by outcome.
	Messages *prometheus.CounterVec
	// PollCycles counts poll reconciliation cycles by result.
	PollCycles *prometheus.CounterVec
	// StuckEvents tracks how many events currently sit past the retry
	// budget; set on each hard escalation sweep.
	StuckEvents prometheus.Gauge
}

func New(log *slog.Logger, port int) *App {
	reg := prometheus.NewRegistry()

	uploadAttempts := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_upload_attempts_total",
		Help: "Total number of clip upload attempts.",
	}, []string{"result"})

	messages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_notifications_total",
		Help: "Total number of bus notifications handled.",
	}, []string{"outcome"})

	pollCycles := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_poll_cycles_total",
		Help: "Total number of poll reconciliation cycles.",
	}, []string{"result"})

	stuckEvents := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "clipvault_stuck_events",
		Help: "Events past the retry budget without a successful upload.",
	})

	return &App{
		log:            log,
		port:           port,
		reg:            reg,
		UploadAttempts: uploadAttempts,
		Messages:       messages,
		PollCycles:     pollCycles,
		StuckEvents:    stuckEvents,
	}
}

func (a *App) MustRun() {
	err := a.Run()
	if errors.Is(err, http.ErrServerClosed) {
		a.log.Info("Prometheus server closed", sl.Err(err))
	} else if err != nil {
		a.log.Error("Failed to start Prometheus", sl.Err(err))
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "prometheusapp.Run"
	log := a.log.With(slog.String("op", op), slog.Int("port", a.port))

	log.Info("exposing Prometheus metrics")

	http.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	return http.ListenAndServe(fmt.Sprintf(":%d", a.port), nil)
}
