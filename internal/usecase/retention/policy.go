package retention

import (
	"strconv"
	"strings"
	"time"

	"tg-clean-bot/internal/domain"
)

// ResolvePolicy собирает политику запуска из сырых значений окружения.
// Дефолты значений заданы в infra/config; здесь только валидация и разбор.
// Ошибка разбора фатальна для всего запуска: частичная политика опаснее
// отказа.
func ResolvePolicy(userMinutes, allMinutes int, exceptions, dryRun string) (domain.Policy, error) {
	if userMinutes <= 0 {
		return domain.Policy{}, domain.ConfigError("USER_MESSAGES должен быть положительным, получено %d", userMinutes)
	}
	if allMinutes <= 0 {
		return domain.Policy{}, domain.ConfigError("ALL_MESSAGES должен быть положительным, получено %d", allMinutes)
	}

	exemptions, err := parseExemptions(exceptions)
	if err != nil {
		return domain.Policy{}, err
	}

	return domain.Policy{
		UserTTL:    time.Duration(userMinutes) * time.Minute,
		AllTTL:     time.Duration(allMinutes) * time.Minute,
		Exemptions: exemptions,
		DryRun:     strings.EqualFold(strings.TrimSpace(dryRun), "true"),
	}, nil
}

// parseExemptions разбирает список EXCEPTIONS: идентификаторы пользователей
// и ботов положительные, каналов — отрицательные (-100…). Единое множество
// без разделения по типам.
func parseExemptions(raw string) (map[int64]struct{}, error) {
	exemptions := make(map[int64]struct{})
	if strings.TrimSpace(raw) == "" {
		return exemptions, nil
	}
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, domain.ConfigError("EXCEPTIONS: не удалось разобрать %q: %v", token, err)
		}
		exemptions[id] = struct{}{}
	}
	return exemptions, nil
}
