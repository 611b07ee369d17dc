package domain

import "time"

// ChatKind определяет тип отслеживаемого чата.
type ChatKind string

const (
	ChatKindGroup   ChatKind = "group"
	ChatKindChannel ChatKind = "channel"
	ChatKindPrivate ChatKind = "private"
)

// ChatRecord описывает чат, в котором присутствует бот.
// Записи создаются трекером членства и никогда не удаляются физически:
// при выходе бота из чата Active переводится в false.
type ChatRecord struct {
	ChatID     int64
	Kind       ChatKind
	Title      string
	AccessHash int64
	AddedAt    time.Time
	Active     bool
}

// Policy задаёт политику удержания сообщений на один запуск.
// Значение неизменяемо после резолва; оба порога проверяются независимо,
// упорядоченность UserTTL и AllTTL не предполагается.
type Policy struct {
	UserTTL    time.Duration
	AllTTL     time.Duration
	Exemptions map[int64]struct{}
	DryRun     bool
}

// IsExempt сообщает, освобождён ли отправитель от удаления.
// Чистая проверка по неизменяемому множеству, безопасна для конкурентного вызова.
func (p Policy) IsExempt(senderID int64) bool {
	_, ok := p.Exemptions[senderID]
	return ok
}

// Cutoff возвращает границу истории, с которой имеет смысл начинать
// листание: момент ближнего из двух порогов. Всё новее этой границы
// не подлежит удалению ни по одному из правил.
func (p Policy) Cutoff(now time.Time) time.Time {
	ttl := p.UserTTL
	if p.AllTTL < ttl {
		ttl = p.AllTTL
	}
	return now.Add(-ttl)
}

// MessageRef описывает сообщение, полученное при листании истории чата.
// Не персистится, живёт только внутри одного прохода.
type MessageRef struct {
	ChatID    int64
	MessageID int64
	SenderID  int64
	FromBot   bool
	SentAt    time.Time
}

// DeletionReason указывает порог, по которому сообщение было удалено.
type DeletionReason string

const (
	ReasonUserTTL DeletionReason = "user_ttl"
	ReasonAllTTL  DeletionReason = "all_ttl"
)

// DeletionEntry — запись в истории удалений. Пишется ровно один раз на
// решение об удалении (реальном или симулированном) и служит маркером
// идемпотентности между запусками.
type DeletionEntry struct {
	ChatID    int64
	MessageID int64
	Reason    DeletionReason
	Simulated bool
	DeletedAt time.Time
}

// InteractionEvent описывает событие взаимодействия бота с чатом.
type InteractionEvent string

const (
	InteractionAdded   InteractionEvent = "added"
	InteractionRemoved InteractionEvent = "removed"
)

// InteractionEntry — запись в истории взаимодействий (append-only).
type InteractionEntry struct {
	ChatID int64
	Event  InteractionEvent
	Kind   ChatKind
	At     time.Time
}

// DeletionTotals агрегирует историю удалений за период для сводок.
type DeletionTotals struct {
	Total     int64
	Real      int64
	Simulated int64
}

// RunMeta описывает один запуск движка.
type RunMeta struct {
	RunID      string
	StartedAt  time.Time
	ChatsTotal int
	Policy     Policy
}

// ChatAudit — итог обработки одного чата, публикуемый во внешний аудит.
type ChatAudit struct {
	RunID      string    `json:"run_id"`
	ChatID     int64     `json:"chat_id"`
	Kind       ChatKind  `json:"kind"`
	Scanned    int64     `json:"scanned"`
	Deleted    int64     `json:"deleted"`
	Exempted   int64     `json:"exempted"`
	Failed     int64     `json:"failed"`
	DryRun     bool      `json:"dry_run"`
	FinishedAt time.Time `json:"finished_at"`
}
