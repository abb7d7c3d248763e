// Package app собирает сервер мира из конфигурации: хранилища, шину событий,
// менеджер мира, цикл тиков, транспорты и административный API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/annel0/geoworld/internal/api"
	"github.com/annel0/geoworld/internal/auth"
	"github.com/annel0/geoworld/internal/config"
	"github.com/annel0/geoworld/internal/eventbus"
	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/metrics"
	"github.com/annel0/geoworld/internal/network"
	"github.com/annel0/geoworld/internal/observability"
	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/session"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/world"
)

const (
	metricsInterval    = time.Second
	busMetricsInterval = 5 * time.Second
)

// App: собранный сервер
type App struct {
	cfg *config.Config
	log *logging.Logger

	registry    *prometheus.Registry
	bus         eventbus.EventBus
	busLog      eventbus.Subscription
	worldEvents eventbus.Subscription
	busExporter *eventbus.MetricsExporter

	locations storage.LocationRepo
	entrances storage.EntranceStore
	closers   []io.Closer

	world        *world.Manager
	loop         *session.Loop
	dispatcher   *network.Dispatcher
	worldMetrics *metrics.WorldMetrics

	ws     *network.WSServer
	kcp    *network.KCPServer
	rest   *api.RestServer
	health *api.HealthServer

	telemetry observability.ShutdownFunc

	saving    atomic.Bool
	sinceSave time.Duration
	cancel    context.CancelFunc
	bg        sync.WaitGroup
	stopOnce  sync.Once
	started   atomic.Bool
}

// New создаёт все компоненты, но ничего не запускает.
// При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{
		cfg:       cfg,
		log:       logging.GetComponentLogger("app"),
		registry:  prometheus.NewRegistry(),
		telemetry: observability.Noop,
	}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		a.telemetry, err = observability.InitTelemetry(ctx, observability.Settings{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: api.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err = a.initEventBus(); err != nil {
		return nil, err
	}
	if err = a.initStorage(ctx); err != nil {
		return nil, err
	}

	codec, err := protocol.NewCodec(cfg.Server.Codec)
	if err != nil {
		return nil, err
	}

	registry, err := a.loadEntrances(ctx)
	if err != nil {
		return nil, err
	}

	opts := cfg.World.Options()
	opts.Codec = codec
	opts.Bus = a.bus
	opts.Logger = logging.GetWorldLogger()
	a.world = world.NewManager(registry, opts)

	a.worldMetrics, err = metrics.NewWorldMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("world metrics: %w", err)
	}
	a.worldEvents, err = a.bus.Subscribe(context.Background(), eventbus.Filter{Sources: []string{world.EventSource}}, a.worldMetrics.HandleEvent)
	if err != nil {
		return nil, fmt.Errorf("world events: %w", err)
	}

	a.loop = session.NewLoop(cfg.World.TickRate,
		session.WithLogger(logging.GetComponentLogger("session")),
		session.WithObserver(a.worldMetrics.ObserveTick),
	)
	a.dispatcher = network.NewDispatcher(a.world, network.DispatcherConfig{
		TickRate:     cfg.World.TickRate,
		NearbyRadius: cfg.World.NearbyRadiusM,
		Locations:    a.locations,
		Logger:       logging.GetNetworkLogger(),
	})

	a.loop.OnTick(a.world.Tick)
	if cfg.Storage.AutosaveInterval > 0 {
		a.loop.OnTick(a.autosave)
	}

	if err = a.initServers(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initEventBus() error {
	if a.cfg.EventBus.URL != "" {
		jb, err := eventbus.NewJetStreamBus(a.cfg.EventBus)
		if err != nil {
			return fmt.Errorf("eventbus: %w", err)
		}
		a.bus = jb
		a.log.Info("шина событий: NATS JetStream %s", a.cfg.EventBus.URL)
	} else {
		a.bus = eventbus.NewMemoryBus(0)
		a.log.Info("шина событий: in-memory")
	}

	sub, err := eventbus.StartLoggingListener(a.bus, logging.GetComponentLogger("events"))
	if err != nil {
		return fmt.Errorf("eventbus listener: %w", err)
	}
	a.busLog = sub

	a.busExporter, err = eventbus.NewMetricsExporter(a.bus, a.registry)
	if err != nil {
		return fmt.Errorf("eventbus metrics: %w", err)
	}
	return nil
}

// initStorage выбирает хранилище положений по storage.driver и хранилище входов:
// MongoDB при заданном URI, иначе Badger для драйвера badger, иначе память.
func (a *App) initStorage(ctx context.Context) error {
	sc := a.cfg.Storage

	var badgerStore *storage.BadgerStore
	switch sc.Driver {
	case "redis":
		repo, err := storage.NewRedisLocationRepo(ctx, sc.Redis)
		if err != nil {
			return fmt.Errorf("storage redis: %w", err)
		}
		a.locations = repo
	case "maria":
		repo, err := storage.NewMariaLocationRepo(ctx, sc.MariaDSN)
		if err != nil {
			return fmt.Errorf("storage maria: %w", err)
		}
		a.locations = repo
	case "badger":
		bs, err := storage.NewBadgerStore(sc.BadgerPath)
		if err != nil {
			return fmt.Errorf("storage badger: %w", err)
		}
		badgerStore = bs
		a.locations = bs
	default:
		a.locations = storage.NewMemoryLocationRepo()
	}
	a.closers = append(a.closers, a.locations)

	switch {
	case sc.Mongo.URI != "":
		ms, err := storage.NewMongoEntranceStore(ctx, sc.Mongo)
		if err != nil {
			return fmt.Errorf("storage mongo: %w", err)
		}
		a.entrances = ms
		a.closers = append(a.closers, ms)
	case badgerStore != nil:
		a.entrances = badgerStore
	default:
		a.entrances = storage.NewMemoryEntranceStore()
	}

	a.log.Info("хранилище положений: %s", sc.Driver)
	return nil
}

// loadEntrances собирает реестр из конфигурации и сохранённых входов.
// Вход из конфигурации важнее сохранённого с тем же id.
func (a *App) loadEntrances(ctx context.Context) (*world.EntranceRegistry, error) {
	registry, err := world.NewEntranceRegistry(a.cfg.World.EntranceList()...)
	if err != nil {
		return nil, fmt.Errorf("entrances: %w", err)
	}

	stored, err := a.entrances.LoadEntrances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load entrances: %w", err)
	}
	for _, e := range stored {
		if _, exists := registry.Get(e.ID); exists {
			continue
		}
		if err := registry.Register(e); err != nil {
			a.log.Warn("сохранённый вход %s пропущен: %v", e.ID, err)
		}
	}

	a.log.Info("входов в подземелья: %d (из хранилища: %d)", registry.Len(), len(stored))
	return registry, nil
}

func (a *App) initServers() error {
	sc := a.cfg.Server

	if sc.WSAddr != "" {
		a.ws = network.NewWSServer(sc.WSAddr, a.dispatcher)
	}
	if sc.KCPAddr != "" {
		ks, err := network.NewKCPServer(sc.KCPAddr, a.dispatcher, sc.KCPCompress)
		if err != nil {
			return fmt.Errorf("kcp: %w", err)
		}
		a.kcp = ks
	}
	if sc.RESTAddr != "" {
		tokens, err := auth.NewTokenIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if a.cfg.Auth.JWTSecret == "" {
			a.log.Warn("auth.jwt_secret не задан: токены API не переживут перезапуск")
		}
		a.rest, err = api.NewRestServer(api.Config{
			Addr:      sc.RESTAddr,
			World:     a.world,
			Loop:      a.loop,
			Entrances: a.entrances,
			Locations: a.locations,
			Tokens:    tokens,
			Admin: auth.AdminCredentials{
				Username:     a.cfg.Auth.AdminUser,
				PasswordHash: a.cfg.Auth.AdminPasswordHash,
			},
			Registry: a.registry,
			Logger:   logging.GetAPILogger(),
		})
		if err != nil {
			return err
		}
	}
	if sc.GRPCAddr != "" {
		a.health = api.NewHealthServer(sc.GRPCAddr, a.loop, logging.GetAPILogger())
	}
	return nil
}

// autosave сохраняет все положения раз в AutosaveInterval.
// Сохранение идёт в фоне; пока предыдущее не закончилось, новое не начинается.
func (a *App) autosave(dt time.Duration) {
	a.sinceSave += dt
	if a.sinceSave < a.cfg.Storage.AutosaveInterval {
		return
	}
	a.sinceSave = 0

	if !a.saving.CompareAndSwap(false, true) {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer a.saving.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Storage.AutosaveInterval)
		defer cancel()
		n, err := a.dispatcher.SaveAll(ctx)
		if err != nil {
			a.log.Error("ошибка автосохранения: %v", err)
			return
		}
		a.log.Debug("автосохранение: %d положений", n)
	}()
}

// Start запускает цикл тиков, сбор метрик и все транспорты
func (a *App) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("app: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.loop.Start()
	a.busExporter.Start(busMetricsInterval)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.worldMetrics.Run(ctx, metricsInterval, a.world, a.loop)
	}()

	if a.ws != nil {
		if err := a.ws.Start(); err != nil {
			return fmt.Errorf("websocket: %w", err)
		}
	}
	if a.kcp != nil {
		if err := a.kcp.Start(); err != nil {
			return fmt.Errorf("kcp: %w", err)
		}
	}
	if a.rest != nil {
		if err := a.rest.Start(); err != nil {
			return err
		}
	}
	if a.health != nil {
		if err := a.health.Start(); err != nil {
			return err
		}
	}

	a.log.Info("✅ сервер мира запущен: ws=%q kcp=%q rest=%q grpc=%q",
		a.cfg.Server.WSAddr, a.cfg.Server.KCPAddr, a.cfg.Server.RESTAddr, a.cfg.Server.GRPCAddr)
	return nil
}

// Stop останавливает транспорты, сохраняет положения и закрывает ресурсы
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.health != nil {
			a.health.Stop()
		}
		if a.rest != nil {
			errs = append(errs, a.rest.Stop(ctx))
		}
		if a.ws != nil {
			errs = append(errs, a.ws.Stop(ctx))
		}
		if a.kcp != nil {
			errs = append(errs, a.kcp.Stop())
		}

		a.loop.Stop()
		if a.cancel != nil {
			a.cancel()
		}
		a.bg.Wait()

		if n, err := a.dispatcher.SaveAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final save: %w", err))
		} else {
			a.log.Info("сохранено положений при остановке: %d", n)
		}

		errs = append(errs, a.release(ctx))
	})
	return errors.Join(errs...)
}

// release закрывает шину, хранилища и телеметрию
func (a *App) release(ctx context.Context) error {
	var errs []error
	if a.busExporter != nil {
		a.busExporter.Stop()
	}
	if a.worldEvents != nil {
		a.worldEvents.Unsubscribe()
	}
	if a.busLog != nil {
		a.busLog.Unsubscribe()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry(ctx))
	}
	return errors.Join(errs...)
}

// Run запускает сервер и останавливает его после отмены ctx
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Stop(stopCtx))
	}

	<-ctx.Done()
	a.log.Info("получен сигнал остановки")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}

// World возвращает менеджер мира
func (a *App) World() *world.Manager { return a.world }

// Registry возвращает реестр метрик сервера
func (a *App) Registry() *prometheus.Registry { return a.registry }
