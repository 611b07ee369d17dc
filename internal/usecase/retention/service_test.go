package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-clean-bot/internal/domain"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type memStore struct {
	chats       []domain.ChatRecord
	deletions   map[[2]int64]domain.DeletionEntry
	upserted    []domain.ChatRecord
	deactivated []int64
	pingErr     error
	appendErr   error
	hasErr      error
}

func newMemStore(chats ...domain.ChatRecord) *memStore {
	return &memStore{chats: chats, deletions: make(map[[2]int64]domain.DeletionEntry)}
}

func (m *memStore) UpsertChat(_ context.Context, record domain.ChatRecord) error {
	m.upserted = append(m.upserted, record)
	return nil
}
func (m *memStore) DeactivateChat(_ context.Context, chatID int64) error {
	m.deactivated = append(m.deactivated, chatID)
	return nil
}
func (m *memStore) ListActiveChats(context.Context) ([]domain.ChatRecord, error) {
	return m.chats, nil
}
func (m *memStore) AppendInteraction(context.Context, domain.InteractionEntry) error { return nil }
func (m *memStore) AppendDeletion(_ context.Context, entry domain.DeletionEntry) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	key := [2]int64{entry.ChatID, entry.MessageID}
	if _, ok := m.deletions[key]; !ok {
		m.deletions[key] = entry
	}
	return nil
}
func (m *memStore) HasDeletion(_ context.Context, chatID, messageID int64) (bool, error) {
	if m.hasErr != nil {
		return false, m.hasErr
	}
	_, ok := m.deletions[[2]int64{chatID, messageID}]
	return ok, nil
}
func (m *memStore) DeletionTotals(context.Context, time.Time) (domain.DeletionTotals, error) {
	return domain.DeletionTotals{}, nil
}
func (m *memStore) ValidateConnection(context.Context) error { return m.pingErr }

type stubPager struct {
	messages map[int64][]domain.MessageRef
	calls    int
	err      error
}

func (p *stubPager) OlderThan(_ context.Context, chat domain.ChatRecord, cutoff time.Time, beforeID int64, limit int) ([]domain.MessageRef, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	var page []domain.MessageRef
	for _, ref := range p.messages[chat.ChatID] {
		if !ref.SentAt.Before(cutoff) {
			continue
		}
		if beforeID > 0 && ref.MessageID >= beforeID {
			continue
		}
		page = append(page, ref)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type stubDeleter struct {
	calls    []int64
	errs     map[int64]error
	onDelete func()
}

func (d *stubDeleter) Delete(_ context.Context, _ int64, messageID int64) error {
	d.calls = append(d.calls, messageID)
	if d.onDelete != nil {
		d.onDelete()
	}
	if err, ok := d.errs[messageID]; ok {
		delete(d.errs, messageID)
		return err
	}
	return nil
}

type stubAlerter struct {
	starts    int
	progress  int
	completes int
	errors    []string
	lastSnap  domain.StatsSnapshot
}

func (a *stubAlerter) Start(context.Context, domain.RunMeta) error { a.starts++; return nil }
func (a *stubAlerter) Progress(_ context.Context, snap domain.StatsSnapshot) error {
	a.progress++
	return nil
}
func (a *stubAlerter) Complete(_ context.Context, snap domain.StatsSnapshot, _ time.Duration) error {
	a.completes++
	a.lastSnap = snap
	return nil
}
func (a *stubAlerter) Error(_ context.Context, _ error, errCtx string) error {
	a.errors = append(a.errors, errCtx)
	return nil
}

func groupChat(id int64) domain.ChatRecord {
	return domain.ChatRecord{ChatID: id, Kind: domain.ChatKindGroup, Active: true}
}

func userMsg(chatID, msgID, senderID int64, age time.Duration) domain.MessageRef {
	return domain.MessageRef{ChatID: chatID, MessageID: msgID, SenderID: senderID, SentAt: fixedNow.Add(-age)}
}

func botMsg(chatID, msgID int64, age time.Duration) domain.MessageRef {
	ref := userMsg(chatID, msgID, 777, age)
	ref.FromBot = true
	return ref
}

func defaultPolicy() domain.Policy {
	return domain.Policy{
		UserTTL:    60 * time.Minute,
		AllTTL:     1440 * time.Minute,
		Exemptions: map[int64]struct{}{},
	}
}

func newTestService(store *memStore, pager *stubPager, deleter *stubDeleter, alerts *stubAlerter, policy domain.Policy) *Service {
	svc := NewService(store, pager, deleter, alerts, nil, policy, zerolog.Nop(), Options{
		PageSize:         10,
		MaxPages:         5,
		ProgressInterval: time.Hour,
	})
	svc.now = func() time.Time { return fixedNow }
	svc.sleep = func(context.Context, time.Duration) bool { return true }
	return svc
}

func TestRunDeletesOldUserMessage(t *testing.T) {
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 5, 42, 90*time.Minute)},
	}}
	deleter := &stubDeleter{}
	alerts := &stubAlerter{}
	svc := newTestService(store, pager, deleter, alerts, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Deleted != 1 {
		t.Fatalf("ожидали 1 удаление, получили %d", snap.Deleted)
	}
	entry, ok := store.deletions[[2]int64{-10, 5}]
	if !ok {
		t.Fatalf("ожидали запись в журнале удалений")
	}
	if entry.Reason != domain.ReasonUserTTL {
		t.Fatalf("ожидали причину user_ttl, получили %s", entry.Reason)
	}
	if entry.Simulated {
		t.Fatalf("не ожидали симуляцию в боевом режиме")
	}
	if len(deleter.calls) != 1 {
		t.Fatalf("ожидали один вызов удаления, получили %d", len(deleter.calls))
	}
	if alerts.starts != 1 || alerts.completes != 1 {
		t.Fatalf("ожидали по одному старт/стоп алерту")
	}
}

func TestBotMessageUsesOwnThreshold(t *testing.T) {
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		// 900 минут: старше пользовательского порога, но младше порога бота.
		-10: {botMsg(-10, 7, 900*time.Minute)},
	}}
	deleter := &stubDeleter{}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Deleted != 0 {
		t.Fatalf("сообщение бота младше своего порога не должно удаляться")
	}
	if snap.Skipped != 1 {
		t.Fatalf("ожидали 1 пропуск, получили %d", snap.Skipped)
	}
	if len(deleter.calls) != 0 {
		t.Fatalf("не ожидали вызовов удаления")
	}
}

func TestBotMessagePastOwnThresholdDeleted(t *testing.T) {
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {botMsg(-10, 7, 2000*time.Minute)},
	}}
	deleter := &stubDeleter{}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Deleted != 1 {
		t.Fatalf("ожидали удаление по порогу бота")
	}
	if got := store.deletions[[2]int64{-10, 7}].Reason; got != domain.ReasonAllTTL {
		t.Fatalf("ожидали причину all_ttl, получили %s", got)
	}
}

func TestExemptSenderNeverDeleted(t *testing.T) {
	policy := defaultPolicy()
	policy.Exemptions[555] = struct{}{}
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 3, 555, 10*24*time.Hour)},
	}}
	deleter := &stubDeleter{}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, policy)

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Exempted != 1 {
		t.Fatalf("ожидали 1 исключение, получили %d", snap.Exempted)
	}
	if len(store.deletions) != 0 {
		t.Fatalf("для исключённого отправителя запись не создаётся")
	}
	if len(deleter.calls) != 0 {
		t.Fatalf("не ожидали вызовов удаления")
	}
}

func TestDryRunSimulatesDeletion(t *testing.T) {
	policy := defaultPolicy()
	policy.DryRun = true
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 5, 42, 2*time.Hour)},
	}}
	deleter := &stubDeleter{}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, policy)

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Deleted != 1 {
		t.Fatalf("dry run должен считать удаления, получили %d", snap.Deleted)
	}
	if len(deleter.calls) != 0 {
		t.Fatalf("dry run не должен вызывать удалённое API")
	}
	entry := store.deletions[[2]int64{-10, 5}]
	if !entry.Simulated {
		t.Fatalf("ожидали simulated=true")
	}
}

func TestNotFoundCountsAsDeleted(t *testing.T) {
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 5, 42, 2*time.Hour)},
	}}
	deleter := &stubDeleter{errs: map[int64]error{
		5: domain.NewClassified(domain.ClassNotFound, errors.New("message to delete not found")),
	}}
	alerts := &stubAlerter{}
	svc := newTestService(store, pager, deleter, alerts, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Deleted != 1 || snap.Failed != 0 {
		t.Fatalf("уже удалённое сообщение считается успехом: %+v", snap)
	}
	entry, ok := store.deletions[[2]int64{-10, 5}]
	if !ok || entry.Simulated {
		t.Fatalf("ожидали боевую запись в журнале")
	}
	if len(alerts.errors) != 0 {
		t.Fatalf("не ожидали алертов об ошибке")
	}
}

func TestIdempotentAcrossRuns(t *testing.T) {
	store := newMemStore(groupChat(-10))
	messages := map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 5, 42, 2*time.Hour), userMsg(-10, 4, 43, 3*time.Hour)},
	}

	first := newTestService(store, &stubPager{messages: messages}, &stubDeleter{}, &stubAlerter{}, defaultPolicy())
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	secondDeleter := &stubDeleter{}
	second := newTestService(store, &stubPager{messages: messages}, secondDeleter, &stubAlerter{}, defaultPolicy())
	snap, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(store.deletions) != 2 {
		t.Fatalf("ожидали 2 записи после двух запусков, получили %d", len(store.deletions))
	}
	if snap.AlreadyHandled != 2 {
		t.Fatalf("второй запуск должен увидеть маркеры идемпотентности: %+v", snap)
	}
	if len(secondDeleter.calls) != 0 {
		t.Fatalf("повторный запуск не должен удалять заново")
	}
}

func TestStoreValidationFatal(t *testing.T) {
	store := newMemStore(groupChat(-10))
	store.pingErr = domain.NewClassified(domain.ClassStoreConn, errors.New("connection refused"))
	deleter := &stubDeleter{}
	alerts := &stubAlerter{}
	svc := newTestService(store, &stubPager{}, deleter, alerts, defaultPolicy())

	_, err := svc.Run(context.Background())
	if err == nil {
		t.Fatalf("ожидали фатальную ошибку")
	}
	if !domain.IsFatal(err) {
		t.Fatalf("отказ хранилища должен быть фатальным, класс %s", domain.ClassOf(err))
	}
	if alerts.starts != 0 {
		t.Fatalf("сканирование не должно начинаться")
	}
	if len(deleter.calls) != 0 {
		t.Fatalf("удалений быть не должно")
	}
}

func TestPermissionSkipsRestOfChat(t *testing.T) {
	store := newMemStore(groupChat(-10), groupChat(-20))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 9, 42, 2*time.Hour), userMsg(-10, 8, 43, 3*time.Hour)},
		-20: {userMsg(-20, 7, 44, 2*time.Hour)},
	}}
	deleter := &stubDeleter{errs: map[int64]error{
		9: domain.NewClassified(domain.ClassPermission, errors.New("not enough rights")),
	}}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := store.deletions[[2]int64{-10, 8}]; ok {
		t.Fatalf("после отказа в правах остаток чата пропускается")
	}
	if _, ok := store.deletions[[2]int64{-20, 7}]; !ok {
		t.Fatalf("следующий чат должен обработаться")
	}
	if snap.Failed != 1 {
		t.Fatalf("ожидали 1 ошибку, получили %d", snap.Failed)
	}
	if snap.ChatsProcessed != 2 {
		t.Fatalf("оба чата должны числиться обработанными")
	}
}

func TestStoreWriteFailureLeavesMessageUnhandled(t *testing.T) {
	store := newMemStore(groupChat(-10))
	store.appendErr = domain.NewClassified(domain.ClassStoreWrite, errors.New("disk full"))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 5, 42, 2*time.Hour)},
	}}
	deleter := &stubDeleter{}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, defaultPolicy())
	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("ошибка записи журнала не фатальна: %v", err)
	}
	if snap.Failed != 1 || snap.Deleted != 0 {
		t.Fatalf("ожидали 1 ошибку и 0 удалений: %+v", snap)
	}
	if len(store.deletions) != 0 {
		t.Fatalf("маркер не должен появиться при отказе записи")
	}
}

func TestRateLimitRetriesOnce(t *testing.T) {
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 5, 42, 2*time.Hour)},
	}}
	deleter := &stubDeleter{errs: map[int64]error{
		5: domain.NewRateLimited(errors.New("too many requests"), time.Second),
	}}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, defaultPolicy())
	var slept []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if snap.Deleted != 1 {
		t.Fatalf("после повтора сообщение должно удалиться: %+v", snap)
	}
	if len(deleter.calls) != 2 {
		t.Fatalf("ожидали повторный вызов удаления, получили %d", len(deleter.calls))
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("ожидали паузу retry_after: %v", slept)
	}
}

func TestUnclassifiedErrorReportedAndLoopContinues(t *testing.T) {
	store := newMemStore(groupChat(-10))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{
		-10: {userMsg(-10, 9, 42, 2*time.Hour), userMsg(-10, 8, 43, 3*time.Hour)},
	}}
	deleter := &stubDeleter{errs: map[int64]error{
		9: errors.New("что-то пошло не так"),
	}}
	alerts := &stubAlerter{}
	svc := newTestService(store, pager, deleter, alerts, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("неклассифицированная ошибка не должна прерывать запуск: %v", err)
	}
	if len(alerts.errors) != 1 {
		t.Fatalf("ожидали алерт об ошибке, получили %d", len(alerts.errors))
	}
	if _, ok := store.deletions[[2]int64{-10, 8}]; !ok {
		t.Fatalf("обход должен продолжиться после ошибки")
	}
	if snap.Failed != 1 || snap.Deleted != 1 {
		t.Fatalf("ожидали 1 ошибку и 1 удаление: %+v", snap)
	}
}

func TestMaxPagesBoundsChatScan(t *testing.T) {
	store := newMemStore(groupChat(-10))
	// 100 сообщений при размере страницы 10 и пределе 5 страниц.
	var refs []domain.MessageRef
	for i := 200; i > 100; i-- {
		refs = append(refs, userMsg(-10, int64(i), 42, 2*time.Hour))
	}
	pager := &stubPager{messages: map[int64][]domain.MessageRef{-10: refs}}
	svc := newTestService(store, pager, &stubDeleter{}, &stubAlerter{}, defaultPolicy())

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if pager.calls != 5 {
		t.Fatalf("ожидали ровно 5 страниц, получили %d", pager.calls)
	}
	if snap.Scanned != 50 {
		t.Fatalf("ожидали 50 просмотренных сообщений, получили %d", snap.Scanned)
	}
}

// hangingPager отдаёт страницу только после отмены контекста.
type hangingPager struct{}

func (p *hangingPager) OlderThan(ctx context.Context, _ domain.ChatRecord, _ time.Time, _ int64, _ int) ([]domain.MessageRef, error) {
	<-ctx.Done()
	return nil, nil
}

func TestDeadlineMidChatMarksRunPartial(t *testing.T) {
	store := newMemStore(groupChat(-10))
	alerts := &stubAlerter{}
	svc := NewService(store, &hangingPager{}, &stubDeleter{}, alerts, nil, defaultPolicy(), zerolog.Nop(), Options{
		PageSize:         10,
		MaxPages:         5,
		ProgressInterval: time.Hour,
		Deadline:         20 * time.Millisecond,
	})

	snap, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("истёкший посреди чата бюджет не фатален: %v", err)
	}
	if !snap.Partial {
		t.Fatalf("запуск, прерванный внутри последнего чата, должен быть помечен partial")
	}
	if alerts.completes != 1 {
		t.Fatalf("итоговый алерт обязателен")
	}
}

func TestStatsFlushedDuringLargeChat(t *testing.T) {
	store := newMemStore(groupChat(-10))
	var refs []domain.MessageRef
	for i := 16; i > 10; i-- {
		refs = append(refs, userMsg(-10, int64(i), 42, 2*time.Hour))
	}
	pager := &stubPager{messages: map[int64][]domain.MessageRef{-10: refs}}
	deleter := &stubDeleter{}
	svc := newTestService(store, pager, deleter, &stubAlerter{}, defaultPolicy())
	svc.opts.FlushEvery = 3

	stats := domain.NewRunStats(1)
	var seen []int64
	deleter.onDelete = func() {
		seen = append(seen, stats.Snapshot().Scanned)
	}

	svc.processChat(context.Background(), groupChat(-10), stats)

	if len(seen) != 6 {
		t.Fatalf("ожидали 6 удалений, получили %d", len(seen))
	}
	if seen[3] != 3 {
		t.Fatalf("после третьего сообщения дельта должна быть сброшена, видно %d", seen[3])
	}
	if got := stats.Snapshot().Scanned; got != 6 {
		t.Fatalf("на выходе из чата сбрасывается весь остаток, видно %d", got)
	}
}

func TestDeadlineMarksRunPartial(t *testing.T) {
	store := newMemStore(groupChat(-10), groupChat(-20))
	pager := &stubPager{messages: map[int64][]domain.MessageRef{}}
	alerts := &stubAlerter{}
	svc := newTestService(store, pager, &stubDeleter{}, alerts, defaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("истёкший бюджет не фатален: %v", err)
	}
	if !snap.Partial {
		t.Fatalf("ожидали пометку partial")
	}
	if alerts.completes != 1 {
		t.Fatalf("итоговый алерт обязателен и при частичном запуске")
	}
}
