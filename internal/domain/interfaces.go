package domain

import (
	"context"
	"time"
)

// ChatRepo управляет записями отслеживаемых чатов.
type ChatRepo interface {
	UpsertChat(ctx context.Context, record ChatRecord) error
	DeactivateChat(ctx context.Context, chatID int64) error
	ListActiveChats(ctx context.Context) ([]ChatRecord, error)
}

// DeletionLog ведёт append-only историю удалений.
// AppendDeletion обязан быть идемпотентным по паре (chat_id, message_id).
type DeletionLog interface {
	AppendDeletion(ctx context.Context, entry DeletionEntry) error
	HasDeletion(ctx context.Context, chatID, messageID int64) (bool, error)
	DeletionTotals(ctx context.Context, since time.Time) (DeletionTotals, error)
}

// InteractionLog ведёт append-only историю взаимодействий с чатами.
type InteractionLog interface {
	AppendInteraction(ctx context.Context, entry InteractionEntry) error
}

// Store объединяет персистентные контракты движка.
// ValidateConnection вызывается один раз на старте запуска; её отказ фатален.
type Store interface {
	ChatRepo
	DeletionLog
	InteractionLog
	ValidateConnection(ctx context.Context) error
}

// HistoryPager отдаёт страницу истории чата, состоящую только из сообщений
// старше cutoff. beforeID == 0 означает первую страницу (от границы cutoff);
// далее передаётся наименьший уже виденный message_id. Страница короче
// limit означает, что история исчерпана.
type HistoryPager interface {
	OlderThan(ctx context.Context, chat ChatRecord, cutoff time.Time, beforeID int64, limit int) ([]MessageRef, error)
}

// ChatProber проверяет, что чат всё ещё доступен боту в удалённом API.
// migratedTo != 0 означает миграцию группы в супергруппу с новым
// идентификатором; ошибки классифицируются через ClassOf.
type ChatProber interface {
	ProbeChat(ctx context.Context, chatID int64) (migratedTo int64, err error)
}

// MessageDeleter удаляет одно сообщение в удалённом API.
// Возвращаемые ошибки классифицируются через ClassOf.
type MessageDeleter interface {
	Delete(ctx context.Context, chatID, messageID int64) error
}

// Alerter получает события движка и доставляет их владельцу.
// Все вызовы best-effort: ошибка доставки логируется вызывающим и не
// прерывает сканирование.
type Alerter interface {
	Start(ctx context.Context, meta RunMeta) error
	Progress(ctx context.Context, snap StatsSnapshot) error
	Complete(ctx context.Context, snap StatsSnapshot, elapsed time.Duration) error
	Error(ctx context.Context, cause error, errCtx string) error
}

// AuditPublisher публикует итог обработки чата во внешнюю шину.
type AuditPublisher interface {
	PublishChatAudit(ctx context.Context, audit ChatAudit) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
