package httpserver

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"RTVILoadTest/api/handlers"
	"RTVILoadTest/internal/config"
	"RTVILoadTest/internal/database"
	"RTVILoadTest/internal/logger"
	"RTVILoadTest/internal/registry"
)

// APIServer 压测控制面HTTP服务器：交互式会话控制、编排运行控制、
// 报告查询和日志流。
type APIServer struct {
	router   *mux.Router
	server   *http.Server
	registry *registry.Registry
	cfg      *config.LoadConfig

	// 统计信息
	requestCount int64
	errorCount   int64
	responseTime []time.Duration
	startTime    time.Time
	mu           sync.RWMutex

	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

// NewAPIServer 创建控制面服务器。store为nil时报告查询接口不可用。
func NewAPIServer(cfg *config.LoadConfig, reg *registry.Registry, store *database.Store) *APIServer {
	if cfg == nil {
		cfg = config.Default()
	}
	if reg == nil {
		reg = registry.New(nil)
	}

	s := &APIServer{
		router:      mux.NewRouter(),
		registry:    reg,
		cfg:         cfg,
		startTime:   time.Now(),
		cleanupStop: make(chan struct{}),
	}

	s.setupRoutes(store)

	var handler http.Handler = s.router
	if cfg.API.EnableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		})
		handler = c.Handler(s.router)
	}

	s.server = &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes(store *database.Store) {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 交互式会话控制
	handlers.NewSessionHandler(s.registry).RegisterRoutes(api)

	// 编排运行控制与报告
	handlers.NewRunHandler(s.cfg, store).RegisterRoutes(api)

	// 健康检查和监控
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	// 实时日志流
	if logger.GlobalLogger != nil {
		s.router.HandleFunc("/ws/logs", logger.GlobalLogger.HandleWebSocket)
	}
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// healthCheckHandler 健康检查
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteSuccess(w, map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"active_sessions": s.registry.Count(),
		"timestamp":       time.Now().UnixMilli(),
	})
}

// metricsHandler 服务器自身指标
func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteSuccess(w, s.GetStats())
}

// Start 启动服务器并开启空闲会话清理
func (s *APIServer) Start() error {
	log.Printf("Starting control API server on %s", s.server.Addr)

	go s.cleanupLoop()

	return s.server.ListenAndServe()
}

// cleanupLoop 定期清理空闲和已终止的会话
func (s *APIServer) cleanupLoop() {
	interval := s.cfg.API.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	idleTimeout := s.cfg.API.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			if n := s.registry.CleanupIdle(idleTimeout); n > 0 {
				logger.LogInfo("APIServer", "cleaned up idle sessions", "")
			}
		}
	}
}

// Stop 停止服务器并关闭全部会话
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("Stopping control API server")

	s.cleanupOnce.Do(func() {
		close(s.cleanupStop)
	})
	s.registry.CloseAll()

	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
		"active_sessions":      s.registry.Count(),
	}
}

// Handler 暴露底层handler，测试用
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}
