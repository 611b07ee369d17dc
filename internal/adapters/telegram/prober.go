package telegram

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

// Prober проверяет доступность чатов через getChat. Миграция группы в
// супергруппу приходит ошибкой с migrate_to_chat_id и отдаётся вызывающему
// как новый идентификатор, а не как отказ.
type Prober struct {
	bot *tgbotapi.BotAPI
}

var _ domain.ChatProber = (*Prober)(nil)

// NewProber создаёт адаптер проверки чатов.
func NewProber(bot *tgbotapi.BotAPI) *Prober {
	return &Prober{bot: bot}
}

// ProbeChat запрашивает чат у Bot API.
func (p *Prober) ProbeChat(ctx context.Context, chatID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewClassified(domain.ClassTransient, err)
	}
	start := time.Now()
	_, err := p.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	metrics.ObserveNetworkRequest("telegram", "get_chat", "bot_api", start, err)
	if err == nil {
		return 0, nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.MigrateToChatID != 0 {
		return apiErr.MigrateToChatID, nil
	}
	return 0, ClassifyError(err)
}
