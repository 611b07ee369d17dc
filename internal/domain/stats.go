package domain

import "sync"

// RunStats накапливает счётчики одного запуска. Пишет в него только цикл
// сканирования, тикер прогресса читает снапшоты; доступ защищён мьютексом.
type RunStats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// StatsSnapshot — неизменяемый срез счётчиков для алертов и аудита.
type StatsSnapshot struct {
	Scanned        int64
	Deleted        int64
	Exempted       int64
	Skipped        int64
	AlreadyHandled int64
	Failed         int64
	ChatsProcessed int
	ChatsTotal     int
	Partial        bool
}

// NewRunStats создаёт статистику запуска на известное число чатов.
func NewRunStats(chatsTotal int) *RunStats {
	return &RunStats{snap: StatsSnapshot{ChatsTotal: chatsTotal}}
}

// Add применяет дельту по одному чату к общим счётчикам.
func (s *RunStats) Add(delta StatsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Scanned += delta.Scanned
	s.snap.Deleted += delta.Deleted
	s.snap.Exempted += delta.Exempted
	s.snap.Skipped += delta.Skipped
	s.snap.AlreadyHandled += delta.AlreadyHandled
	s.snap.Failed += delta.Failed
}

// ChatDone отмечает завершение обработки чата.
func (s *RunStats) ChatDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ChatsProcessed++
}

// MarkPartial помечает запуск прерванным по дедлайну.
func (s *RunStats) MarkPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Partial = true
}

// Snapshot возвращает копию текущих счётчиков.
func (s *RunStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
