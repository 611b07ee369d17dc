package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов. Дефолты порогов и режимов
// заданы здесь единым перечнем; разбор EXCEPTIONS и DRY_RUN выполняет
// retention.ResolvePolicy.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Telegram struct {
		Token   string `envconfig:"BOT_TOKEN"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	OwnerID int64 `envconfig:"OWNER_ID"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Rabbit struct {
		URL      string `envconfig:"RABBITMQ_URL"`
		Exchange string `envconfig:"AUDIT_EXCHANGE" default:"teleclean.audit"`
	} `envconfig:""`

	Retention struct {
		UserMessages int    `envconfig:"USER_MESSAGES" default:"60"`
		AllMessages  int    `envconfig:"ALL_MESSAGES" default:"1440"`
		Exceptions   string `envconfig:"EXCEPTIONS"`
		DryRun       string `envconfig:"DRY_RUN" default:"False"`
	} `envconfig:""`

	History struct {
		PageSize int `envconfig:"HISTORY_PAGE_SIZE" default:"100"`
		MaxPages int `envconfig:"HISTORY_MAX_PAGES" default:"50"`
	} `envconfig:""`

	UpdateIntervalSec     int `envconfig:"UPDATE_INTERVAL" default:"5"`
	ProgressFlushMessages int `envconfig:"PROGRESS_FLUSH_MESSAGES" default:"500"`
	RunDeadlineMinutes    int `envconfig:"RUN_DEADLINE_MINUTES" default:"14"`

	MTProto struct {
		SessionFile string `envconfig:"MTPROTO_SESSION_FILE" default:"session.json"`
	} `envconfig:""`

	HTTPPort    int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
