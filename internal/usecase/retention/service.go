package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

// Options ограничивают один запуск движка.
type Options struct {
	// PageSize — размер страницы истории.
	PageSize int
	// MaxPages — предохранитель от бесконечного листания одного чата.
	MaxPages int
	// ProgressInterval — минимальный интервал между алертами прогресса.
	ProgressInterval time.Duration
	// FlushEvery — сколько сообщений чата обрабатывается между сбросами
	// дельты в общую статистику: прогресс виден и внутри больших чатов.
	FlushEvery int
	// Deadline — бюджет стенного времени на запуск; 0 отключает дедлайн.
	Deadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 5 * time.Second
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 500
	}
	return o
}

// Service — движок принудительного удержания: один вызов Run обрабатывает
// все активные чаты и завершается. Чаты идут последовательно, чтобы не
// дробить общий лимит запросов к Telegram.
type Service struct {
	store   domain.Store
	pager   domain.HistoryPager
	deleter domain.MessageDeleter
	alerts  domain.Alerter
	audit   domain.AuditPublisher
	policy  domain.Policy
	log     zerolog.Logger
	opts    Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewService создаёт движок. audit может быть nil.
func NewService(store domain.Store, pager domain.HistoryPager, deleter domain.MessageDeleter, alerts domain.Alerter, audit domain.AuditPublisher, policy domain.Policy, logger zerolog.Logger, opts Options) *Service {
	return &Service{
		store:   store,
		pager:   pager,
		deleter: deleter,
		alerts:  alerts,
		audit:   audit,
		policy:  policy,
		log:     logger,
		opts:    opts.withDefaults(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Run выполняет один запуск движка. Возвращаемая ошибка не nil только для
// фатальных отказов (конфигурация, недоступность хранилища); ошибки уровня
// сообщения или чата агрегируются в статистике.
func (s *Service) Run(ctx context.Context) (domain.StatsSnapshot, error) {
	started := s.now()

	if err := s.store.ValidateConnection(ctx); err != nil {
		return domain.StatsSnapshot{}, err
	}
	chats, err := s.store.ListActiveChats(ctx)
	if err != nil {
		return domain.StatsSnapshot{}, err
	}

	meta := domain.RunMeta{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		ChatsTotal: len(chats),
		Policy:     s.policy,
	}
	stats := domain.NewRunStats(len(chats))

	if err := s.alerts.Start(ctx, meta); err != nil {
		s.log.Warn().Err(err).Msg("retention: стартовый алерт не доставлен")
	}
	s.log.Info().Str("run_id", meta.RunID).Int("chats", len(chats)).
		Bool("dry_run", s.policy.DryRun).Msg("retention: запуск")

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.opts.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
	}
	defer cancel()

	// Тикер прогресса живёт в отдельной горутине и только читает снапшоты.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.progressLoop(ctx, stats, done)
	}()

	for _, chat := range chats {
		if runCtx.Err() != nil {
			break
		}
		delta := s.processChat(runCtx, chat, stats)
		stats.ChatDone()
		s.publishAudit(ctx, meta, chat, delta)
	}
	// Дедлайн мог истечь и посреди последнего чата: проверка после цикла.
	if runCtx.Err() != nil {
		stats.MarkPartial()
	}

	close(done)
	wg.Wait()

	elapsed := s.now().Sub(started)
	metrics.RunSeconds.Observe(elapsed.Seconds())
	snap := stats.Snapshot()
	if err := s.alerts.Complete(ctx, snap, elapsed); err != nil {
		s.log.Warn().Err(err).Msg("retention: итоговый алерт не доставлен")
	}
	s.log.Info().Str("run_id", meta.RunID).
		Int64("deleted", snap.Deleted).Int64("failed", snap.Failed).
		Bool("partial", snap.Partial).Dur("elapsed", elapsed).
		Msg("retention: запуск завершён")
	return snap, nil
}

func (s *Service) progressLoop(ctx context.Context, stats *domain.RunStats, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.ProgressInterval)
	defer ticker.Stop()
	var last domain.StatsSnapshot
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.Snapshot()
			if snap == last {
				continue
			}
			last = snap
			if err := s.alerts.Progress(ctx, snap); err != nil {
				s.log.Debug().Err(err).Msg("retention: алерт прогресса не доставлен")
			}
		}
	}
}

// processChat листает историю одного чата от границы cutoff назад во
// времени и принимает решение по каждому сообщению. Ошибка отдельного
// сообщения никогда не прерывает обход чата; отказ в правах прерывает
// только текущий чат. Дельта счётчиков сбрасывается в общую статистику
// каждые FlushEvery сообщений и целиком на выходе.
func (s *Service) processChat(ctx context.Context, chat domain.ChatRecord, stats *domain.RunStats) domain.StatsSnapshot {
	var delta, flushed domain.StatsSnapshot
	flush := func() {
		stats.Add(snapshotDiff(delta, flushed))
		flushed = delta
	}
	defer flush()
	chatStart := time.Now()
	defer func() {
		metrics.ChatScanSeconds.Observe(time.Since(chatStart).Seconds())
	}()

	now := s.now()
	cutoff := s.policy.Cutoff(now)
	var beforeID int64

	for page := 0; page < s.opts.MaxPages; page++ {
		if ctx.Err() != nil {
			return delta
		}
		var refs []domain.MessageRef
		err := s.withRateLimitRetry(ctx, func() error {
			var pageErr error
			refs, pageErr = s.pager.OlderThan(ctx, chat, cutoff, beforeID, s.opts.PageSize)
			return pageErr
		})
		if err != nil {
			class := domain.ClassOf(err)
			if class == domain.ClassPermission {
				s.log.Warn().Int64("chat", chat.ChatID).Err(err).
					Msg("retention: нет доступа к истории, чат пропущен")
				return delta
			}
			delta.Failed++
			metrics.ObserveDeleteError(string(class))
			s.log.Error().Int64("chat", chat.ChatID).Err(err).
				Msg("retention: ошибка листания истории")
			if class == domain.ClassUnknown {
				s.reportUnclassified(ctx, err, fmt.Sprintf("листание истории чата %d", chat.ChatID))
			}
			return delta
		}
		if len(refs) == 0 {
			return delta
		}

		for _, ref := range refs {
			if beforeID == 0 || ref.MessageID < beforeID {
				beforeID = ref.MessageID
			}
			if ctx.Err() != nil {
				return delta
			}
			if stop := s.processMessage(ctx, chat, ref, now, &delta); stop {
				return delta
			}
			if delta.Scanned-flushed.Scanned >= int64(s.opts.FlushEvery) {
				flush()
			}
		}
		if len(refs) < s.opts.PageSize {
			return delta
		}
	}
	s.log.Warn().Int64("chat", chat.ChatID).Int("max_pages", s.opts.MaxPages).
		Msg("retention: достигнут предел страниц, чат обработан частично")
	return delta
}

// processMessage решает судьбу одного сообщения. Возвращает true, если
// оставшиеся сообщения чата нужно пропустить (нет прав на удаление).
func (s *Service) processMessage(ctx context.Context, chat domain.ChatRecord, ref domain.MessageRef, now time.Time, delta *domain.StatsSnapshot) bool {
	delta.Scanned++
	metrics.MessagesScanned.Inc()

	// Для сообщения проверяется только его собственный порог:
	// порядок UserTTL и AllTTL не имеет значения.
	threshold := s.policy.UserTTL
	reason := domain.ReasonUserTTL
	if ref.FromBot {
		threshold = s.policy.AllTTL
		reason = domain.ReasonAllTTL
	}
	if now.Sub(ref.SentAt) <= threshold {
		delta.Skipped++
		return false
	}

	if s.policy.IsExempt(ref.SenderID) {
		delta.Exempted++
		metrics.MessagesExempted.Inc()
		return false
	}

	handled, err := s.store.HasDeletion(ctx, chat.ChatID, ref.MessageID)
	if err != nil {
		delta.Failed++
		s.log.Error().Int64("chat", chat.ChatID).Int64("message", ref.MessageID).Err(err).
			Msg("retention: проверка журнала удалений не удалась")
		return false
	}
	if handled {
		delta.AlreadyHandled++
		return false
	}

	if !s.policy.DryRun {
		err := s.withRateLimitRetry(ctx, func() error {
			return s.deleter.Delete(ctx, chat.ChatID, ref.MessageID)
		})
		if err != nil {
			switch class := domain.ClassOf(err); class {
			case domain.ClassNotFound:
				// Сообщение уже удалил кто-то другой: фиксируем как успех.
			case domain.ClassPermission:
				delta.Failed++
				metrics.ObserveDeleteError(string(class))
				s.log.Warn().Int64("chat", chat.ChatID).Err(err).
					Msg("retention: нет прав на удаление, остаток чата пропущен")
				return true
			case domain.ClassUnknown:
				delta.Failed++
				metrics.ObserveDeleteError(string(class))
				s.reportUnclassified(ctx, err, fmt.Sprintf("удаление сообщения %d в чате %d", ref.MessageID, chat.ChatID))
				return false
			default:
				delta.Failed++
				metrics.ObserveDeleteError(string(class))
				s.log.Error().Int64("chat", chat.ChatID).Int64("message", ref.MessageID).Err(err).
					Msg("retention: удаление не удалось")
				return false
			}
		}
	}

	entry := domain.DeletionEntry{
		ChatID:    chat.ChatID,
		MessageID: ref.MessageID,
		Reason:    reason,
		Simulated: s.policy.DryRun,
		DeletedAt: s.now().UTC(),
	}
	if err := s.store.AppendDeletion(ctx, entry); err != nil {
		// Сообщение не помечено обработанным: следующий запуск повторит его.
		delta.Failed++
		s.log.Error().Int64("chat", chat.ChatID).Int64("message", ref.MessageID).Err(err).
			Msg("retention: запись в журнал удалений не удалась")
		return false
	}
	delta.Deleted++
	metrics.ObserveDeletion(string(reason), s.policy.DryRun)
	return false
}

// snapshotDiff возвращает прирост счётчиков между двумя срезами одного чата.
func snapshotDiff(cur, prev domain.StatsSnapshot) domain.StatsSnapshot {
	return domain.StatsSnapshot{
		Scanned:        cur.Scanned - prev.Scanned,
		Deleted:        cur.Deleted - prev.Deleted,
		Exempted:       cur.Exempted - prev.Exempted,
		Skipped:        cur.Skipped - prev.Skipped,
		AlreadyHandled: cur.AlreadyHandled - prev.AlreadyHandled,
		Failed:         cur.Failed - prev.Failed,
	}
}

// withRateLimitRetry повторяет операцию один раз после паузы, указанной
// API; повторный лимит превращается в transient-ошибку.
func (s *Service) withRateLimitRetry(ctx context.Context, op func() error) error {
	err := op()
	if domain.ClassOf(err) != domain.ClassRateLimited {
		return err
	}
	s.warnRateLimited(ctx)
	if !s.sleep(ctx, domain.RetryAfterOf(err)) {
		return domain.NewClassified(domain.ClassTransient, err)
	}
	retryErr := op()
	if domain.ClassOf(retryErr) == domain.ClassRateLimited {
		return domain.NewClassified(domain.ClassTransient, retryErr)
	}
	return retryErr
}

func (s *Service) warnRateLimited(ctx context.Context) {
	if warner, ok := s.alerts.(interface{ WarnRateLimited(context.Context) }); ok {
		warner.WarnRateLimited(ctx)
	}
}

func (s *Service) reportUnclassified(ctx context.Context, cause error, errCtx string) {
	if err := s.alerts.Error(ctx, cause, errCtx); err != nil {
		s.log.Warn().Err(err).Msg("retention: алерт об ошибке не доставлен")
	}
}

func (s *Service) publishAudit(ctx context.Context, meta domain.RunMeta, chat domain.ChatRecord, delta domain.StatsSnapshot) {
	if s.audit == nil {
		return
	}
	audit := domain.ChatAudit{
		RunID:      meta.RunID,
		ChatID:     chat.ChatID,
		Kind:       chat.Kind,
		Scanned:    delta.Scanned,
		Deleted:    delta.Deleted,
		Exempted:   delta.Exempted,
		Failed:     delta.Failed,
		DryRun:     s.policy.DryRun,
		FinishedAt: s.now().UTC(),
	}
	if err := s.audit.PublishChatAudit(ctx, audit); err != nil {
		s.log.Warn().Int64("chat", chat.ChatID).Err(err).
			Msg("retention: аудит-событие не опубликовано")
	}
}
