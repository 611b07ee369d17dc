package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	MessagesScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cleaner_messages_scanned_total",
		Help: "Просмотренные при сканировании сообщения",
	})
	MessagesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cleaner_messages_deleted_total",
		Help: "Удалённые сообщения по причинам",
	}, []string{"reason", "simulated"})
	MessagesExempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cleaner_messages_exempted_total",
		Help: "Сообщения, пропущенные по списку исключений",
	})
	DeleteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cleaner_delete_errors_total",
		Help: "Ошибки удаления по классам",
	}, []string{"class"})
	ChatScanSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cleaner_chat_scan_seconds",
		Help:    "Время обработки одного чата",
		Buckets: prometheus.DefBuckets,
	})
	RunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cleaner_run_seconds",
		Help:    "Длительность полного запуска",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	AlertSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cleaner_alert_send_errors_total",
		Help: "Ошибки отправки уведомлений владельцу",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		MessagesScanned,
		MessagesDeleted,
		MessagesExempted,
		DeleteErrors,
		ChatScanSeconds,
		RunSeconds,
		AlertSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveDeletion увеличивает счётчик удалений.
func ObserveDeletion(reason string, simulated bool) {
	flag := "false"
	if simulated {
		flag = "true"
	}
	MessagesDeleted.WithLabelValues(reason, flag).Inc()
}

// ObserveDeleteError увеличивает счётчик ошибок удаления по классу.
func ObserveDeleteError(class string) {
	DeleteErrors.WithLabelValues(class).Inc()
}
