package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/annel0/geoworld/internal/auth"
	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/middleware"
	"github.com/annel0/geoworld/internal/session"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/world"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Version: версия сервера в /api/server
const Version = "v0.1.0"

// RestServer: административный REST API мира
type RestServer struct {
	router    *gin.Engine
	world     *world.Manager
	loop      *session.Loop
	entrances storage.EntranceStore
	locations storage.LocationRepo
	tokens    *auth.TokenIssuer
	admin     auth.AdminCredentials
	metrics   *ServerMetrics
	log       *logging.Logger
	addr      string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr      string                // адрес для запуска сервера
	World     *world.Manager        // менеджер мира
	Loop      *session.Loop         // цикл тиков, может быть nil
	Entrances storage.EntranceStore // хранилище входов, может быть nil
	Locations storage.LocationRepo  // сохранённые положения, может быть nil
	Tokens    *auth.TokenIssuer
	Admin     auth.AdminCredentials
	Registry  *prometheus.Registry // nil: отдельный реестр сервера
	Logger    *logging.Logger
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) (*RestServer, error) {
	if config.World == nil {
		return nil, errors.New("api: world manager is required")
	}
	if config.Tokens == nil {
		return nil, errors.New("api: token issuer is required")
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = logging.GetAPILogger()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(middleware.NewRequestLogger(config.Logger).Handler())
	router.Use(otelgin.Middleware("rest_api"))

	promMw, err := middleware.NewPrometheusMiddleware("rest_api", config.Registry)
	if err != nil {
		return nil, fmt.Errorf("api: register http metrics: %w", err)
	}
	router.Use(promMw.Handler())
	middleware.RegisterMetricsEndpoint(router, config.Registry)

	rs := &RestServer{
		router:    router,
		world:     config.World,
		loop:      config.Loop,
		entrances: config.Entrances,
		locations: config.Locations,
		tokens:    config.Tokens,
		admin:     config.Admin,
		metrics:   NewServerMetrics(),
		log:       config.Logger,
		addr:      config.Addr,
	}
	rs.setupRoutes()
	return rs, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	// Middleware для CORS
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.POST("/auth/login", rs.handleLogin)

	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware())
	{
		protected.GET("/world/stats", rs.handleWorldStats)
		protected.GET("/server", rs.handleServerInfo)
		protected.GET("/players", rs.handleListPlayers)
		protected.GET("/players/:id", rs.handleGetPlayer)
		protected.GET("/dungeons", rs.handleListDungeons)
		protected.GET("/dungeons/:id/instance", rs.handleGetInstance)
		protected.GET("/locations/nearby", rs.handleNearbySaved)

		admin := protected.Group("/")
		admin.Use(rs.adminMiddleware())
		{
			admin.POST("/dungeons", rs.handleCreateDungeon)
			admin.DELETE("/dungeons/:id", rs.handleDeleteDungeon)
			admin.PUT("/players/:id/level", rs.handleSetLevel)
			admin.POST("/admin/announce", rs.handleAnnounce)
		}
	}
}

// Handler возвращает HTTP-обработчик API
func (rs *RestServer) Handler() http.Handler { return rs.router }

// Start запускает HTTP-сервер в фоне
func (rs *RestServer) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.server != nil {
		return errors.New("api: server already started")
	}

	ln, err := net.Listen("tcp", rs.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", rs.addr, err)
	}
	rs.listener = ln
	rs.server = &http.Server{
		Handler:           rs.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := rs.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.log.Error("REST сервер остановлен с ошибкой: %v", err)
		}
	}()

	rs.log.Info("REST API запущен на %s", ln.Addr())
	return nil
}

// Addr возвращает фактический адрес после Start
func (rs *RestServer) Addr() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.listener == nil {
		return rs.addr
	}
	return rs.listener.Addr().String()
}

// Stop останавливает сервер, дожидаясь активных запросов до отмены ctx
func (rs *RestServer) Stop(ctx context.Context) error {
	rs.mu.Lock()
	srv := rs.server
	rs.server = nil
	rs.listener = nil
	rs.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
