package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dropvault/internal/config"
	dvmiddleware "dropvault/internal/middleware"
)

// RouterDeps 汇总路由需要的处理器与中间件依赖。
type RouterDeps struct {
	Uploads *UploadHandler
	Files   *FileHandler
	// Auth 为空时按 cfg.AuthMode 构建。
	Auth        func(http.Handler) http.Handler
	RateCounter dvmiddleware.Counter
	Log         logrus.FieldLogger
}

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(dvmiddleware.RequestLogger(deps.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(dvmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(dvmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	auth := deps.Auth
	if auth == nil {
		auth = authMiddleware(cfg, deps.Log)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(dvmiddleware.RateLimit(deps.RateCounter, cfg.RateLimitRequests, cfg.RateLimitWindow, deps.Log))
		if deps.Uploads != nil {
			deps.Uploads.RegisterRoutes(r)
		}
		if deps.Files != nil {
			deps.Files.RegisterRoutes(r)
		}
	})

	return r
}

func authMiddleware(cfg *config.Config, log logrus.FieldLogger) func(http.Handler) http.Handler {
	switch cfg.AuthMode {
	case "supabase":
		return dvmiddleware.SupabaseAuth(dvmiddleware.SupabaseConfig{
			ProjectURL: cfg.SupabaseURL,
			AnonKey:    cfg.SupabaseAnonKey,
			JWTSecret:  cfg.SupabaseJWTSecret,
		}, log)
	case "none":
		log.Warn("authentication disabled, all requests belong to dev-user")
		return dvmiddleware.StaticIdentity("dev-user")
	default:
		return dvmiddleware.APIKeyAuth(cfg.APIKeys)
	}
}
