package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"tg-clean-bot/internal/adapters/bot"
	"tg-clean-bot/internal/adapters/repo"
	"tg-clean-bot/internal/infra/config"
	"tg-clean-bot/internal/infra/db"
	infrahttp "tg-clean-bot/internal/infra/http"
	applog "tg-clean-bot/internal/infra/log"
	"tg-clean-bot/internal/infra/metrics"
)

// bot-gateway — долгоживущий спутник cleaner: принимает вебхук бота,
// ведёт учёт чатов и отдаёт служебный API со сводкой удалений.
func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: нет подключения к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.EnsureSchema(context.Background(), logger.With().Str("component", "repo").Logger()); err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось инициализировать схему")
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось создать бота")
	}

	h := bot.NewHandler(botAPI, logger.With().Str("component", "gateway").Logger(), store, store)

	server := infrahttp.NewServer(logger.With().Str("component", "http").Logger())
	server.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})
	server.Router.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		totals, err := store.DeletionTotals(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(totals)
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("gateway: HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("gateway: остановка")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
