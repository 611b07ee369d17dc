package retention

import (
	"context"

	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
)

// VerifyChats сверяет сохранённые чаты с Telegram перед сканированием:
// недоступные записи деактивируются, мигрировавшие в супергруппу группы
// перезаписываются под новым идентификатором. Ошибка отдельного чата не
// фатальна, запись в этом случае остаётся как есть до следующего запуска.
func VerifyChats(ctx context.Context, chats domain.ChatRepo, prober domain.ChatProber, logger zerolog.Logger) error {
	records, err := chats.ListActiveChats(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		migratedTo, err := prober.ProbeChat(ctx, record.ChatID)
		if err != nil {
			switch domain.ClassOf(err) {
			case domain.ClassPermission, domain.ClassNotFound:
				if err := chats.DeactivateChat(ctx, record.ChatID); err != nil {
					logger.Error().Int64("chat", record.ChatID).Err(err).
						Msg("verify: не удалось деактивировать запись")
					continue
				}
				logger.Info().Int64("chat", record.ChatID).
					Msg("verify: чат недоступен, запись деактивирована")
			default:
				logger.Warn().Int64("chat", record.ChatID).Err(err).
					Msg("verify: проверка чата не удалась, запись сохранена")
			}
			continue
		}
		if migratedTo == 0 {
			continue
		}
		migrated := record
		migrated.ChatID = migratedTo
		if err := chats.UpsertChat(ctx, migrated); err != nil {
			logger.Error().Int64("chat", record.ChatID).Int64("migrated_to", migratedTo).Err(err).
				Msg("verify: не удалось сохранить мигрировавший чат")
			continue
		}
		if err := chats.DeactivateChat(ctx, record.ChatID); err != nil {
			logger.Warn().Int64("chat", record.ChatID).Err(err).
				Msg("verify: старая запись мигрировавшего чата не деактивирована")
		}
		logger.Info().Int64("chat", record.ChatID).Int64("migrated_to", migratedTo).
			Msg("verify: группа мигрировала в супергруппу")
	}
	return nil
}
