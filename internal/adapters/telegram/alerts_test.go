package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	"tg-clean-bot/internal/domain"
)

var alertNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func TestFormatStart(t *testing.T) {
	meta := domain.RunMeta{
		RunID:      "run-123",
		StartedAt:  alertNow,
		ChatsTotal: 3,
		Policy: domain.Policy{
			UserTTL:    60 * time.Minute,
			AllTTL:     1440 * time.Minute,
			Exemptions: map[int64]struct{}{555: {}},
			DryRun:     true,
		},
	}
	text := formatStart(meta)
	for _, want := range []string{"run-123", "60 мин", "1440 мин", "Исключений: 1", "Dry run: да", "Чатов к обработке: 3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("в стартовом алерте нет %q:\n%s", want, text)
		}
	}
}

func TestFormatCompletePartialHeader(t *testing.T) {
	snap := domain.StatsSnapshot{ChatsProcessed: 1, ChatsTotal: 3, Deleted: 5, Partial: true}
	text := formatComplete(snap, 90*time.Second, alertNow)
	if !strings.Contains(text, "🟠") || !strings.Contains(text, "частично") {
		t.Fatalf("частичный запуск должен быть помечен:\n%s", text)
	}
	if !strings.Contains(text, "1m 30s") {
		t.Fatalf("ожидали длительность 1m 30s:\n%s", text)
	}
	full := formatComplete(domain.StatsSnapshot{}, time.Second, alertNow)
	if strings.Contains(full, "🟠") {
		t.Fatalf("полный запуск не помечается частичным")
	}
}

func TestFormatErrorEscapesAndTruncates(t *testing.T) {
	cause := errors.New("<b>" + strings.Repeat("x", errorDetailLimit))
	text := formatError(cause, "удаление сообщения", alertNow)
	if strings.Contains(text, "<b>x") {
		t.Fatalf("HTML в тексте ошибки должен экранироваться")
	}
	if !strings.Contains(text, "…") {
		t.Fatalf("длинный текст ошибки должен обрезаться")
	}
	if !strings.Contains(text, "удаление сообщения") {
		t.Fatalf("контекст ошибки должен попасть в алерт")
	}
}

func TestProgressBar(t *testing.T) {
	cases := map[float64]string{
		0:   "░░░░░░░░░░",
		50:  "▓▓▓▓▓░░░░░",
		100: "▓▓▓▓▓▓▓▓▓▓",
		150: "▓▓▓▓▓▓▓▓▓▓",
	}
	for pct, want := range cases {
		if got := progressBar(pct); got != want {
			t.Fatalf("progressBar(%v): ожидали %q, получили %q", pct, want, got)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := map[time.Duration]string{
		0:                               "0s",
		45 * time.Second:                "45s",
		time.Minute:                     "1m",
		time.Hour + 2*time.Minute + 3*time.Second: "1h 2m 3s",
	}
	for d, want := range cases {
		if got := formatElapsed(d); got != want {
			t.Fatalf("formatElapsed(%v): ожидали %q, получили %q", d, want, got)
		}
	}
}
