package bot

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

// Sender отправляет ответы на команды; покрывает нужную часть BotAPI.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler обслуживает апдейты гейтвея: единственную команду /start и
// события членства бота в чатах. Вся логика удаления живёт в cmd/cleaner,
// гейтвей только ведёт учёт чатов.
type Handler struct {
	bot          Sender
	log          zerolog.Logger
	chats        domain.ChatRepo
	interactions domain.InteractionLog
}

// NewHandler создаёт обработчик.
func NewHandler(bot Sender, logger zerolog.Logger, chats domain.ChatRepo, interactions domain.InteractionLog) *Handler {
	return &Handler{bot: bot, log: logger, chats: chats, interactions: interactions}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.MyChatMember != nil {
		h.handleMembership(ctx, upd.MyChatMember)
		return
	}
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/start") {
		return
	}
	if msg.Chat.IsPrivate() {
		h.handlePrivateStart(ctx, msg)
		return
	}
	h.reply(msg.Chat.ID, "Бот активен: сообщения в этом чате очищаются по расписанию.")
}

// handlePrivateStart инициализирует отслеживание личного чата.
func (h *Handler) handlePrivateStart(ctx context.Context, msg *tgbotapi.Message) {
	record := domain.ChatRecord{
		ChatID:  msg.Chat.ID,
		Kind:    domain.ChatKindPrivate,
		Title:   msg.Chat.UserName,
		AddedAt: time.Now().UTC(),
		Active:  true,
	}
	if err := h.chats.UpsertChat(ctx, record); err != nil {
		h.log.Error().Int64("chat", msg.Chat.ID).Err(err).Msg("gateway: не удалось сохранить личный чат")
		h.reply(msg.Chat.ID, "Не удалось включить очистку, попробуйте позже.")
		return
	}
	h.appendInteraction(ctx, msg.Chat.ID, domain.InteractionAdded, domain.ChatKindPrivate)
	h.reply(msg.Chat.ID, "Очистка включена: старые сообщения будут удаляться автоматически.")
}

// handleMembership ведёт учёт добавления и удаления бота из чатов.
// Записи не удаляются: чат деактивируется и история сохраняется.
func (h *Handler) handleMembership(ctx context.Context, member *tgbotapi.ChatMemberUpdated) {
	kind := chatKindOf(member.Chat)
	switch member.NewChatMember.Status {
	case "member", "administrator", "creator":
		record := domain.ChatRecord{
			ChatID:  member.Chat.ID,
			Kind:    kind,
			Title:   member.Chat.Title,
			AddedAt: time.Now().UTC(),
			Active:  true,
		}
		if err := h.chats.UpsertChat(ctx, record); err != nil {
			h.log.Error().Int64("chat", member.Chat.ID).Err(err).Msg("gateway: не удалось сохранить чат")
			return
		}
		h.appendInteraction(ctx, member.Chat.ID, domain.InteractionAdded, kind)
		h.log.Info().Int64("chat", member.Chat.ID).Str("kind", string(kind)).Msg("gateway: бот добавлен в чат")
	case "left", "kicked":
		if err := h.chats.DeactivateChat(ctx, member.Chat.ID); err != nil {
			h.log.Error().Int64("chat", member.Chat.ID).Err(err).Msg("gateway: не удалось деактивировать чат")
			return
		}
		h.appendInteraction(ctx, member.Chat.ID, domain.InteractionRemoved, kind)
		h.log.Info().Int64("chat", member.Chat.ID).Msg("gateway: бот удалён из чата")
	}
}

func (h *Handler) appendInteraction(ctx context.Context, chatID int64, event domain.InteractionEvent, kind domain.ChatKind) {
	entry := domain.InteractionEntry{ChatID: chatID, Event: event, Kind: kind, At: time.Now().UTC()}
	if err := h.interactions.AppendInteraction(ctx, entry); err != nil {
		h.log.Warn().Int64("chat", chatID).Err(err).Msg("gateway: история взаимодействий не записана")
	}
}

func (h *Handler) reply(chatID int64, text string) {
	start := time.Now()
	_, err := h.bot.Send(tgbotapi.NewMessage(chatID, text))
	metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
	if err != nil {
		h.log.Warn().Int64("chat", chatID).Err(err).Msg("gateway: не удалось отправить ответ")
	}
}

func chatKindOf(chat tgbotapi.Chat) domain.ChatKind {
	switch {
	case chat.IsPrivate():
		return domain.ChatKindPrivate
	case chat.IsChannel():
		return domain.ChatKindChannel
	default:
		return domain.ChatKindGroup
	}
}
