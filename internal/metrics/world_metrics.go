// Package metrics публикует состояние мира и цикла тиков в Prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/geoworld/internal/eventbus"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/session"
	"github.com/annel0/geoworld/internal/world"
)

const namespace = "geoworld"

// WorldMetrics: метрики мира.
// Gauge выставляются из world.Stats, счётчики мира пополняются дельтами, как в экспортере шины.
type WorldMetrics struct {
	players        *prometheus.GaugeVec
	instances      prometheus.Gauge
	overworldCells prometheus.Gauge
	maxCellPlayers prometheus.Gauge
	entrances      prometheus.Gauge

	ticks            prometheus.Counter
	messagesSent     prometheus.Counter
	messagesSkipped  prometheus.Counter
	instancesCreated prometheus.Counter
	instancesReaped  prometheus.Counter

	events         *prometheus.CounterVec
	dungeonEntries *prometheus.CounterVec

	tickDuration prometheus.Histogram
	tickOverruns prometheus.Counter
	loopRunning  prometheus.Gauge

	mu       sync.Mutex
	prev     world.Stats
	prevLoop session.Stats
}

// NewWorldMetrics создаёт метрики и регистрирует их в reg
func NewWorldMetrics(reg prometheus.Registerer) (*WorldMetrics, error) {
	wm := &WorldMetrics{
		players: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players",
			Help:      "Подключённые игроки по типу мира.",
		}, []string{"world"}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dungeon_instances",
			Help:      "Живые инстансы подземелий.",
		}),
		overworldCells: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overworld_cells",
			Help:      "Непустые ячейки сетки поверхности.",
		}),
		maxCellPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overworld_max_cell_players",
			Help:      "Игроки в самой загруженной ячейке поверхности.",
		}),
		entrances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dungeon_entrances",
			Help:      "Зарегистрированные входы в подземелья.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Выполненные тики мира.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Сообщения, поставленные в очереди соединений.",
		}),
		messagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Сообщения, пропущенные из-за закрытых или переполненных соединений.",
		}),
		instancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_created_total",
			Help:      "Созданные инстансы подземелий.",
		}),
		instancesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_reaped_total",
			Help:      "Собранные пустые инстансы подземелий.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "world_events_total",
			Help:      "Доменные события мира по типу.",
		}, []string{"type"}),
		dungeonEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dungeon_entries_total",
			Help:      "Входы игроков в подземелья.",
		}, []string{"dungeon"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Длительность обработки тика.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		tickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_overruns_total",
			Help:      "Тики, обработка которых заняла больше интервала.",
		}),
		loopRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_loop_running",
			Help:      "1, если цикл тиков запущен.",
		}),
	}

	collectors := []prometheus.Collector{
		wm.players, wm.instances, wm.overworldCells, wm.maxCellPlayers, wm.entrances,
		wm.ticks, wm.messagesSent, wm.messagesSkipped, wm.instancesCreated, wm.instancesReaped,
		wm.events, wm.dungeonEntries,
		wm.tickDuration, wm.tickOverruns, wm.loopRunning,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return wm, nil
}

// ObserveTick записывает длительность тика; передаётся в session.WithObserver
func (wm *WorldMetrics) ObserveTick(d time.Duration) {
	wm.tickDuration.Observe(d.Seconds())
}

// Update переносит сводку мира в метрики
func (wm *WorldMetrics) Update(s world.Stats) {
	wm.players.WithLabelValues(protocol.WorldOverworld).Set(float64(s.OverworldPlayers))
	wm.players.WithLabelValues(protocol.WorldDungeon).Set(float64(s.DungeonPlayers))
	wm.instances.Set(float64(s.Instances))
	wm.overworldCells.Set(float64(s.OverworldCells))
	wm.maxCellPlayers.Set(float64(s.MaxCellPlayers))
	wm.entrances.Set(float64(s.Entrances))

	wm.mu.Lock()
	defer wm.mu.Unlock()
	addDelta(wm.ticks, s.Ticks, wm.prev.Ticks)
	addDelta(wm.messagesSent, s.MessagesSent, wm.prev.MessagesSent)
	addDelta(wm.messagesSkipped, s.MessagesSkipped, wm.prev.MessagesSkipped)
	addDelta(wm.instancesCreated, s.InstancesCreated, wm.prev.InstancesCreated)
	addDelta(wm.instancesReaped, s.InstancesReaped, wm.prev.InstancesReaped)
	wm.prev = s
}

// HandleEvent учитывает доменное событие мира. Подписывается на шину с фильтром
// по источнику world.EventSource; чужие и повреждённые конверты пропускаются.
func (wm *WorldMetrics) HandleEvent(_ context.Context, ev *eventbus.Envelope) {
	if ev == nil || ev.Source != world.EventSource {
		return
	}
	e, err := world.DecodeEvent(ev)
	if err != nil || e.Type == "" {
		return
	}
	wm.events.WithLabelValues(e.Type).Inc()
	if e.Type == world.EventDungeonEntered && e.DungeonID != "" {
		wm.dungeonEntries.WithLabelValues(e.DungeonID).Inc()
	}
}

// UpdateLoop переносит статистику цикла тиков
func (wm *WorldMetrics) UpdateLoop(s session.Stats) {
	if s.Running {
		wm.loopRunning.Set(1)
	} else {
		wm.loopRunning.Set(0)
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()
	addDelta(wm.tickOverruns, s.Overruns, wm.prevLoop.Overruns)
	wm.prevLoop = s
}

// Run обновляет метрики с периодом interval до отмены ctx
func (wm *WorldMetrics) Run(ctx context.Context, interval time.Duration, w *world.Manager, loop *session.Loop) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wm.Update(w.Stats())
			if loop != nil {
				wm.UpdateLoop(loop.Stats())
			}
		case <-ctx.Done():
			return
		}
	}
}

func addDelta(c prometheus.Counter, cur, prev uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}
