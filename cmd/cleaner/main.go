package main

import (
	"context"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-clean-bot/internal/adapters/mtproto"
	"tg-clean-bot/internal/adapters/repo"
	"tg-clean-bot/internal/adapters/telegram"
	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/cache"
	"tg-clean-bot/internal/infra/config"
	"tg-clean-bot/internal/infra/db"
	applog "tg-clean-bot/internal/infra/log"
	"tg-clean-bot/internal/infra/metrics"
	"tg-clean-bot/internal/infra/queue"
	"tg-clean-bot/internal/usecase/retention"
)

// cleaner — одноразовый запуск движка удержания: подготовка, один проход
// по всем чатам, итоговый алерт, выход. Планировщик снаружи (cron).
// Код выхода 0 — успех, включая частичные ошибки по сообщениям;
// не ноль — фатальный отказ подготовки.
func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.LogLevel)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Эндпоинт /metrics живёт, пока идёт запуск: скрейп успевает снять
	// счётчики до выхода процесса.
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.Telegram.Token == "" {
		logger.Error().Msg("cleaner: не указан токен бота (BOT_TOKEN)")
		return 1
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Error().Err(err).Msg("cleaner: не удалось создать бота")
		return 1
	}

	var alertCache domain.Cache
	if cfg.RedisAddr != "" {
		alertCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	notifier := telegram.NewNotifier(botAPI, cfg.OwnerID, alertCache, logger.With().Str("component", "alerts").Logger())

	fatal := func(cause error, errCtx string) int {
		logger.Error().Err(cause).Msg("cleaner: " + errCtx)
		if err := notifier.Error(ctx, cause, errCtx); err != nil {
			logger.Warn().Err(err).Msg("cleaner: фатальный алерт не доставлен")
		}
		return 1
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return fatal(domain.NewClassified(domain.ClassStoreConn, err), "подключение к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.ValidateConnection(ctx); err != nil {
		return fatal(err, "проверка хранилища")
	}
	if err := store.EnsureSchema(ctx, logger.With().Str("component", "repo").Logger()); err != nil {
		return fatal(err, "инициализация схемы")
	}

	// Сверка записей перед сканированием: мёртвые чаты деактивируются,
	// мигрировавшие группы переезжают под новый идентификатор.
	if err := retention.VerifyChats(ctx, store, telegram.NewProber(botAPI), logger.With().Str("component", "verify").Logger()); err != nil {
		return fatal(err, "сверка записей чатов")
	}

	policy, err := retention.ResolvePolicy(
		cfg.Retention.UserMessages,
		cfg.Retention.AllMessages,
		cfg.Retention.Exceptions,
		cfg.Retention.DryRun,
	)
	if err != nil {
		return fatal(err, "резолв политики")
	}

	pager := mtproto.NewPager(
		cfg.Telegram.APIID,
		cfg.Telegram.APIHash,
		cfg.Telegram.Token,
		cfg.MTProto.SessionFile,
		logger.With().Str("component", "mtproto").Logger(),
	)
	deleter := telegram.NewDeleter(botAPI)

	var audit domain.AuditPublisher
	if cfg.Rabbit.URL != "" {
		publisher, err := queue.NewRabbitAuditPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange)
		if err != nil {
			logger.Warn().Err(err).Msg("cleaner: аудит-шина недоступна, продолжаем без неё")
		} else {
			defer publisher.Close()
			audit = publisher
		}
	}

	service := retention.NewService(store, pager, deleter, notifier, audit, policy,
		logger.With().Str("component", "retention").Logger(),
		retention.Options{
			PageSize:         cfg.History.PageSize,
			MaxPages:         cfg.History.MaxPages,
			ProgressInterval: time.Duration(cfg.UpdateIntervalSec) * time.Second,
			FlushEvery:       cfg.ProgressFlushMessages,
			Deadline:         time.Duration(cfg.RunDeadlineMinutes) * time.Minute,
		})

	snap, err := service.Run(ctx)
	if err != nil {
		return fatal(err, "запуск движка")
	}
	logFinal(logger, snap)
	return 0
}

func logFinal(logger zerolog.Logger, snap domain.StatsSnapshot) {
	logger.Info().
		Int("chats", snap.ChatsProcessed).
		Int64("scanned", snap.Scanned).
		Int64("deleted", snap.Deleted).
		Int64("exempted", snap.Exempted).
		Int64("failed", snap.Failed).
		Bool("partial", snap.Partial).
		Msg("cleaner: готово")
}
