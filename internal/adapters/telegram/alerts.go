package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

const (
	errorDetailLimit  = 4000
	rateLimitWarnOnce = "alerts:rate_limit_warn"
	rateLimitWarnTTL  = time.Hour
)

// Notifier доставляет события движка владельцу бота.
// Все методы best-effort: ошибка отправки логируется и возвращается
// вызывающему только для счётчиков, сканирование она не прерывает.
type Notifier struct {
	bot           *tgbotapi.BotAPI
	ownerID       int64
	log           zerolog.Logger
	cache         domain.Cache
	progressMsgID int
}

var _ domain.Alerter = (*Notifier)(nil)

// NewNotifier создаёт нотификатор. cache может быть nil, тогда
// предупреждение о лимитах не дедуплицируется.
func NewNotifier(bot *tgbotapi.BotAPI, ownerID int64, cache domain.Cache, logger zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, ownerID: ownerID, log: logger, cache: cache}
}

func (n *Notifier) send(text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(n.ownerID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	start := time.Now()
	sent, err := n.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
	if err != nil {
		metrics.AlertSendErrors.Inc()
		n.log.Warn().Err(err).Msg("alerts: не удалось отправить уведомление")
	}
	return sent, err
}

// Start сообщает о начале запуска и его конфигурации.
func (n *Notifier) Start(ctx context.Context, meta domain.RunMeta) error {
	n.progressMsgID = 0
	_, err := n.send(formatStart(meta))
	return err
}

// Progress публикует промежуточную статистику, редактируя одно и то же
// сообщение вместо рассылки новых.
func (n *Notifier) Progress(ctx context.Context, snap domain.StatsSnapshot) error {
	text := formatProgress(snap, time.Now())
	if n.progressMsgID == 0 {
		sent, err := n.send(text)
		if err == nil {
			n.progressMsgID = sent.MessageID
		}
		return err
	}
	edit := tgbotapi.NewEditMessageText(n.ownerID, n.progressMsgID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	start := time.Now()
	_, err := n.bot.Request(edit)
	metrics.ObserveNetworkRequest("telegram", "edit_message", "bot_api", start, err)
	if err != nil {
		metrics.AlertSendErrors.Inc()
		n.log.Warn().Err(err).Msg("alerts: не удалось обновить прогресс")
	}
	return err
}

// Complete отправляет итоговую сводку запуска.
func (n *Notifier) Complete(ctx context.Context, snap domain.StatsSnapshot, elapsed time.Duration) error {
	_, err := n.send(formatComplete(snap, elapsed, time.Now()))
	return err
}

// Error отправляет уведомление о фатальной или неклассифицированной ошибке.
func (n *Notifier) Error(ctx context.Context, cause error, errCtx string) error {
	_, err := n.send(formatError(cause, errCtx, time.Now()))
	return err
}

// WarnRateLimited предупреждает о троттлинге не чаще одного раза в окно.
func (n *Notifier) WarnRateLimited(ctx context.Context) {
	sendWarn := func() error {
		_, err := n.send(formatRateLimitWarn(time.Now()))
		return err
	}
	if n.cache == nil {
		_ = sendWarn()
		return
	}
	if err := n.cache.Once(ctx, rateLimitWarnOnce, rateLimitWarnTTL, sendWarn); err != nil {
		n.log.Warn().Err(err).Msg("alerts: дедупликация предупреждения недоступна")
	}
}

func formatStart(meta domain.RunMeta) string {
	var b strings.Builder
	b.WriteString("🟢 <b>TeleClean: запуск</b>\n\n")
	fmt.Fprintf(&b, "<b>Запуск:</b> <code>%s</code>\n", html.EscapeString(meta.RunID))
	fmt.Fprintf(&b, "<b>Время:</b> %s\n\n", meta.StartedAt.Format("2006-01-02 15:04:05"))
	b.WriteString("<b>Конфигурация:</b>\n")
	fmt.Fprintf(&b, "• Пользовательские сообщения: %d мин\n", int(meta.Policy.UserTTL.Minutes()))
	fmt.Fprintf(&b, "• Сообщения бота: %d мин\n", int(meta.Policy.AllTTL.Minutes()))
	fmt.Fprintf(&b, "• Исключений: %d\n", len(meta.Policy.Exemptions))
	fmt.Fprintf(&b, "• Dry run: %s\n", yesNo(meta.Policy.DryRun))
	fmt.Fprintf(&b, "• Чатов к обработке: %d\n\n", meta.ChatsTotal)
	b.WriteString("<i>Начинаем очистку…</i>")
	return b.String()
}

func formatProgress(snap domain.StatsSnapshot, now time.Time) string {
	pct := 0.0
	if snap.ChatsTotal > 0 {
		pct = float64(snap.ChatsProcessed) / float64(snap.ChatsTotal) * 100
	}
	var b strings.Builder
	b.WriteString("⏳ <b>TeleClean: прогресс</b>\n\n")
	fmt.Fprintf(&b, "<b>Время:</b> %s\n\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Чаты:</b> %d/%d (%.1f%%)\n", snap.ChatsProcessed, snap.ChatsTotal, pct)
	b.WriteString(progressBar(pct))
	b.WriteString("\n\n")
	writeStatsBlock(&b, snap)
	b.WriteString("\n<i>Очистка продолжается…</i>")
	return b.String()
}

func formatComplete(snap domain.StatsSnapshot, elapsed time.Duration, now time.Time) string {
	header := "🔴 <b>TeleClean: завершено</b>"
	if snap.Partial {
		header = "🟠 <b>TeleClean: завершено частично (дедлайн)</b>"
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "<b>Время:</b> %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Длительность:</b> %s\n\n", formatElapsed(elapsed))
	fmt.Fprintf(&b, "<b>Чаты:</b> %d/%d\n", snap.ChatsProcessed, snap.ChatsTotal)
	writeStatsBlock(&b, snap)
	b.WriteString("\n<i>Следующий запуск по расписанию.</i>")
	return b.String()
}

func formatError(cause error, errCtx string, now time.Time) string {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if len(detail) > errorDetailLimit {
		detail = detail[:errorDetailLimit] + "…"
	}
	var b strings.Builder
	b.WriteString("⚠️ <b>TeleClean: ошибка</b>\n\n")
	fmt.Fprintf(&b, "<b>Время:</b> %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Класс:</b> %s\n", domain.ClassOf(cause))
	if errCtx != "" {
		fmt.Fprintf(&b, "<b>Контекст:</b> %s\n", html.EscapeString(errCtx))
	}
	fmt.Fprintf(&b, "\n<pre>%s</pre>", html.EscapeString(detail))
	return b.String()
}

func formatRateLimitWarn(now time.Time) string {
	var b strings.Builder
	b.WriteString("⚠️ <b>TeleClean: лимит Telegram API</b>\n\n")
	fmt.Fprintf(&b, "<b>Время:</b> %s\n\n", now.Format("2006-01-02 15:04:05"))
	b.WriteString("Бот упёрся в лимиты API, удаление замедлено.\n")
	b.WriteString("<i>Это штатная ситуация при больших объёмах.</i>")
	return b.String()
}

func writeStatsBlock(b *strings.Builder, snap domain.StatsSnapshot) {
	b.WriteString("<b>Статистика:</b>\n")
	fmt.Fprintf(b, "• Просмотрено: %d\n", snap.Scanned)
	fmt.Fprintf(b, "• Удалено: %d\n", snap.Deleted)
	fmt.Fprintf(b, "• Исключений: %d\n", snap.Exempted)
	fmt.Fprintf(b, "• Ещё не устарели: %d\n", snap.Skipped)
	fmt.Fprintf(b, "• Уже обработаны: %d\n", snap.AlreadyHandled)
	fmt.Fprintf(b, "• Ошибок: %d\n", snap.Failed)
}

func progressBar(pct float64) string {
	const width = 10
	filled := int(pct / 100 * width)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("▓", filled) + strings.Repeat("░", width-filled)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}

func yesNo(v bool) string {
	if v {
		return "да"
	}
	return "нет"
}
