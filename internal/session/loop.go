// Package session содержит цикл фиксированной частоты, который продвигает
// время симуляции и даёт крючки для рассылок на каждом тике.
package session

import (
	"sync"
	"time"

	"github.com/annel0/geoworld/internal/logging"
)

// DefaultTickRate: частота тиков по умолчанию (Гц)
const DefaultTickRate = 20

// TickHook вызывается на каждом тике с реальным временем, прошедшим с предыдущего тика
type TickHook func(dt time.Duration)

// Stats: статистика цикла
type Stats struct {
	Running      bool          `json:"running"`
	TickRate     int           `json:"tickRate"`
	Ticks        uint64        `json:"ticks"`
	Overruns     uint64        `json:"overruns"`
	LastDelta    time.Duration `json:"lastDelta"`
	LastDuration time.Duration `json:"lastDuration"`
}

// Loop: цикл тиков. Тики строго последовательны: если обработка тика дольше интервала,
// следующий тик наступает позже, но dt считается по реальному времени.
type Loop struct {
	mu       sync.Mutex
	interval time.Duration
	rate     int
	hooks    []TickHook
	now      func() time.Time
	log      *logging.Logger

	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastTick time.Time
	stats    Stats

	// observe получает длительность обработки каждого тика (метрики)
	observe func(d time.Duration)
}

// Option настраивает Loop
type Option func(*Loop)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLogger задаёт логгер цикла
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) { l.log = logger }
}

// WithObserver задаёт приёмник длительности тиков
func WithObserver(fn func(d time.Duration)) Option {
	return func(l *Loop) { l.observe = fn }
}

// NewLoop создаёт цикл с частотой tickRate тиков в секунду (<= 0 означает DefaultTickRate)
func NewLoop(tickRate int, opts ...Option) *Loop {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	l := &Loop{
		interval: time.Second / time.Duration(tickRate),
		rate:     tickRate,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logging.GetComponentLogger("session")
	}
	return l
}

// Interval возвращает номинальный интервал тика
func (l *Loop) Interval() time.Duration { return l.interval }

// OnTick добавляет обработчик тика. Обработчики вызываются в порядке добавления.
// Обработчик выполняется в горутине цикла, поэтому не должен вызывать Stop напрямую:
// Stop ждёт завершения этой горутины. Остановить цикл из обработчика можно через go l.Stop().
func (l *Loop) OnTick(hook TickHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// Start запускает цикл. Повторный вызов для работающего цикла ничего не делает.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.lastTick = l.now()

	go l.run(l.stopCh, l.doneCh)
	l.log.Info("цикл тиков запущен: %d Гц (%s)", l.rate, l.interval)
}

// Stop останавливает цикл и дожидается завершения текущего тика.
// Повторный вызов ничего не делает. Вызов из TickHook блокируется навсегда.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	done := l.doneCh
	l.mu.Unlock()

	<-done
	l.log.Info("цикл тиков остановлен")
}

// Running сообщает, запущен ли цикл
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats возвращает снимок статистики
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Running = l.running
	s.TickRate = l.rate
	return s
}

func (l *Loop) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick выполняет один тик: считает dt по часам и вызывает обработчики
func (l *Loop) tick() {
	l.mu.Lock()
	now := l.now()
	dt := now.Sub(l.lastTick)
	if dt < 0 {
		dt = 0
	}
	l.lastTick = now
	hooks := make([]TickHook, len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	started := time.Now()
	for _, hook := range hooks {
		l.safeCall(hook, dt)
	}
	elapsed := time.Since(started)

	l.mu.Lock()
	l.stats.Ticks++
	l.stats.LastDelta = dt
	l.stats.LastDuration = elapsed
	if elapsed > l.interval {
		l.stats.Overruns++
	}
	l.mu.Unlock()

	if elapsed > l.interval {
		l.log.Debug("тик занял %s при интервале %s", elapsed, l.interval)
	}
	if l.observe != nil {
		l.observe(elapsed)
	}
}

// safeCall не даёт панике в обработчике остановить цикл
func (l *Loop) safeCall(hook TickHook, dt time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("паника в обработчике тика: %v", r)
		}
	}()
	hook(dt)
}
