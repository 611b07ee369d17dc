package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

// Deleter удаляет сообщения через Bot API и переводит ошибки Telegram
// в классы доменной таксономии.
type Deleter struct {
	bot *tgbotapi.BotAPI
}

var _ domain.MessageDeleter = (*Deleter)(nil)

// NewDeleter создаёт адаптер удаления.
func NewDeleter(bot *tgbotapi.BotAPI) *Deleter {
	return &Deleter{bot: bot}
}

// Delete удаляет одно сообщение.
func (d *Deleter) Delete(ctx context.Context, chatID, messageID int64) error {
	if err := ctx.Err(); err != nil {
		return domain.NewClassified(domain.ClassTransient, err)
	}
	start := time.Now()
	_, err := d.bot.Request(tgbotapi.NewDeleteMessage(chatID, int(messageID)))
	metrics.ObserveNetworkRequest("telegram", "delete_message", "bot_api", start, err)
	if err != nil {
		return ClassifyError(err)
	}
	return nil
}

// ClassifyError переводит ошибку Bot API в доменный класс.
// Текстовые маркеры соответствуют ответам Telegram: сообщение уже удалено,
// нет прав на удаление, исчерпан лимит запросов.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return domain.NewRateLimited(err, time.Duration(apiErr.RetryAfter)*time.Second)
		}
		message := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(message, "message to delete not found"),
			strings.Contains(message, "message_id_invalid"):
			return domain.NewClassified(domain.ClassNotFound, err)
		// Старый идентификатор мигрировавшей группы мёртв: чат пропускается,
		// сверка записей перед следующим запуском перепишет его под новым ID.
		case apiErr.MigrateToChatID != 0,
			strings.Contains(message, "upgraded to a supergroup"):
			return domain.NewClassified(domain.ClassPermission, err)
		case apiErr.Code == 403,
			strings.Contains(message, "not enough rights"),
			strings.Contains(message, "message can't be deleted"),
			strings.Contains(message, "chat_admin_required"):
			return domain.NewClassified(domain.ClassPermission, err)
		case apiErr.Code >= 500:
			return domain.NewClassified(domain.ClassTransient, err)
		}
		return domain.NewClassified(domain.ClassUnknown, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewClassified(domain.ClassTransient, err)
	}
	return domain.NewClassified(domain.ClassUnknown, err)
}
