package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"searchweave/internal/domain/retrieval"
	applog "searchweave/internal/platform/log"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// Server HTTP 服务器
type Server struct {
	config       *ServerConfig
	reindexSvc   ReindexService
	slicer       *retrieval.Slicer
	merger       *retrieval.Merger
	retrievalCfg *retrieval.Config
	searchCache  retrieval.ResultCache
	httpSrv      *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, reindexSvc ReindexService, slicer *retrieval.Slicer, merger *retrieval.Merger, retrievalCfg *retrieval.Config) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config:       config,
		reindexSvc:   reindexSvc,
		slicer:       slicer,
		merger:       merger,
		retrievalCfg: retrievalCfg,
	}
}

// SetSearchCache 启用检索结果缓存
func (s *Server) SetSearchCache(cache retrieval.ResultCache) {
	s.searchCache = cache
}

// Start 启动服务器
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Search API server starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		NewReindexHandler(s.reindexSvc).RegisterRoutes(r)

		search := NewSearchHandler(s.slicer, s.merger, s.retrievalCfg)
		if s.searchCache != nil {
			search.SetCache(s.searchCache)
		}
		search.RegisterRoutes(r)
	})

	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
