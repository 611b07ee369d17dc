package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

// Postgres реализует domain.Store на основе pgxpool.
// Исторические таблицы append-only: записи не изменяются и не удаляются.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if _, ok := parent.Deadline(); ok {
		return parent, func() {}
	}
	return context.WithTimeout(parent, 5*time.Second)
}

// ValidateConnection проверяет доступность БД перед сканированием.
// Отказ здесь фатален для запуска: без журнала удалений движок не работает.
func (p *Postgres) ValidateConnection(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	err := p.pool.Ping(ctx)
	metrics.ObserveNetworkRequest("postgres", "ping", "pool", start, err)
	if err != nil {
		return domain.NewClassified(domain.ClassStoreConn, fmt.Errorf("ping: %w", err))
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chats (
	chat_id BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	access_hash BIGINT NOT NULL DEFAULT 0,
	added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS interaction_history (
	id BIGSERIAL PRIMARY KEY,
	chat_id BIGINT NOT NULL,
	event TEXT NOT NULL,
	kind TEXT NOT NULL,
	at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS deletion_history (
	chat_id BIGINT NOT NULL,
	message_id BIGINT NOT NULL,
	reason TEXT NOT NULL,
	simulated BOOLEAN NOT NULL,
	deleted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chat_id, message_id)
)`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS chats_active_idx ON chats (active, added_at)`,
	`CREATE INDEX IF NOT EXISTS interaction_history_at_idx ON interaction_history (at)`,
	`CREATE INDEX IF NOT EXISTS deletion_history_deleted_at_idx ON deletion_history (deleted_at)`,
}

// EnsureSchema создаёт таблицы и индексы. Ошибка создания таблицы фатальна,
// ошибка индекса логируется и не прерывает запуск: первичные ключи уже
// дают необходимые для корректности гарантии.
func (p *Postgres) EnsureSchema(ctx context.Context, logger zerolog.Logger) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	for _, stmt := range schemaStatements {
		start := time.Now()
		_, err := p.pool.Exec(ctx, stmt)
		metrics.ObserveNetworkRequest("postgres", "ensure_schema", "ddl", start, err)
		if err != nil {
			return domain.NewClassified(domain.ClassStoreConn, fmt.Errorf("ensure schema: %w", err))
		}
	}
	for _, stmt := range indexStatements {
		start := time.Now()
		_, err := p.pool.Exec(ctx, stmt)
		metrics.ObserveNetworkRequest("postgres", "ensure_index", "ddl", start, err)
		if err != nil {
			logger.Warn().Err(err).Msg("repo: индекс не создан, продолжаем без него")
		}
	}
	return nil
}

// UpsertChat создаёт или обновляет запись чата, реактивируя её при
// повторном добавлении бота.
func (p *Postgres) UpsertChat(ctx context.Context, record domain.ChatRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	addedAt := record.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO chats (chat_id, kind, title, access_hash, added_at, active)
VALUES ($1, $2, $3, $4, $5, TRUE)
ON CONFLICT (chat_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	title = EXCLUDED.title,
	access_hash = CASE WHEN EXCLUDED.access_hash <> 0 THEN EXCLUDED.access_hash ELSE chats.access_hash END,
	active = TRUE,
	updated_at = now()
`, record.ChatID, string(record.Kind), record.Title, record.AccessHash, addedAt)
	metrics.ObserveNetworkRequest("postgres", "chats_upsert", "chats", start, err)
	if err != nil {
		return domain.NewClassified(domain.ClassStoreWrite, fmt.Errorf("upsert chat %d: %w", record.ChatID, err))
	}
	return nil
}

// DeactivateChat помечает чат неактивным, сохраняя историю.
func (p *Postgres) DeactivateChat(ctx context.Context, chatID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE chats SET active = FALSE, updated_at = now() WHERE chat_id = $1
`, chatID)
	metrics.ObserveNetworkRequest("postgres", "chats_deactivate", "chats", start, err)
	if err != nil {
		return domain.NewClassified(domain.ClassStoreWrite, fmt.Errorf("deactivate chat %d: %w", chatID, err))
	}
	return nil
}

// ListActiveChats возвращает активные чаты в стабильном порядке добавления.
func (p *Postgres) ListActiveChats(ctx context.Context) ([]domain.ChatRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT chat_id, kind, title, access_hash, added_at, active
FROM chats WHERE active ORDER BY added_at, chat_id
`)
	metrics.ObserveNetworkRequest("postgres", "chats_list_active", "chats", start, err)
	if err != nil {
		return nil, domain.NewClassified(domain.ClassStoreConn, fmt.Errorf("list active chats: %w", err))
	}
	defer rows.Close()

	var chats []domain.ChatRecord
	for rows.Next() {
		var record domain.ChatRecord
		var kind string
		if err := rows.Scan(&record.ChatID, &kind, &record.Title, &record.AccessHash, &record.AddedAt, &record.Active); err != nil {
			return nil, domain.NewClassified(domain.ClassStoreConn, fmt.Errorf("scan chat: %w", err))
		}
		record.Kind = domain.ChatKind(kind)
		chats = append(chats, record)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewClassified(domain.ClassStoreConn, fmt.Errorf("iterate chats: %w", err))
	}
	return chats, nil
}

// AppendInteraction добавляет запись в историю взаимодействий.
func (p *Postgres) AppendInteraction(ctx context.Context, entry domain.InteractionEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO interaction_history (chat_id, event, kind, at) VALUES ($1, $2, $3, $4)
`, entry.ChatID, string(entry.Event), string(entry.Kind), at)
	metrics.ObserveNetworkRequest("postgres", "interaction_append", "interaction_history", start, err)
	if err != nil {
		return domain.NewClassified(domain.ClassStoreWrite, fmt.Errorf("append interaction: %w", err))
	}
	return nil
}

// AppendDeletion добавляет запись в журнал удалений. Первичный ключ
// (chat_id, message_id) делает операцию атомарным compare-and-append:
// повторная вставка той же пары молча игнорируется.
func (p *Postgres) AppendDeletion(ctx context.Context, entry domain.DeletionEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	deletedAt := entry.DeletedAt
	if deletedAt.IsZero() {
		deletedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO deletion_history (chat_id, message_id, reason, simulated, deleted_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (chat_id, message_id) DO NOTHING
`, entry.ChatID, entry.MessageID, string(entry.Reason), entry.Simulated, deletedAt)
	metrics.ObserveNetworkRequest("postgres", "deletion_append", "deletion_history", start, err)
	if err != nil {
		return domain.NewClassified(domain.ClassStoreWrite, fmt.Errorf("append deletion %d/%d: %w", entry.ChatID, entry.MessageID, err))
	}
	return nil
}

// HasDeletion проверяет наличие маркера идемпотентности для сообщения.
func (p *Postgres) HasDeletion(ctx context.Context, chatID, messageID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM deletion_history WHERE chat_id = $1 AND message_id = $2)
`, chatID, messageID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "deletion_has", "deletion_history", start, err)
	if err != nil {
		return false, domain.NewClassified(domain.ClassStoreWrite, fmt.Errorf("has deletion %d/%d: %w", chatID, messageID, err))
	}
	return exists, nil
}

// DeletionTotals возвращает сводку журнала удалений с указанного момента.
func (p *Postgres) DeletionTotals(ctx context.Context, since time.Time) (domain.DeletionTotals, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var totals domain.DeletionTotals
	err := p.pool.QueryRow(ctx, `
SELECT count(*),
	count(*) FILTER (WHERE NOT simulated),
	count(*) FILTER (WHERE simulated)
FROM deletion_history WHERE deleted_at >= $1
`, since).Scan(&totals.Total, &totals.Real, &totals.Simulated)
	metrics.ObserveNetworkRequest("postgres", "deletion_totals", "deletion_history", start, err)
	if err != nil {
		return domain.DeletionTotals{}, domain.NewClassified(domain.ClassStoreWrite, fmt.Errorf("deletion totals: %w", err))
	}
	return totals, nil
}
