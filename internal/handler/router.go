package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              *middleware.CSRFConfig // nilの場合はCSRF検証を行わない
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer // nilの場合は/metricsを公開しない

	AccountService AccountServiceInterface
	HealthChecker  HealthChecker
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Logging → Recovery → SecurityHeaders → Metrics → CORS → RateLimit(General) → CSRF
//
// メールを送る要求エンドポイントにはMailMiddlewareを追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewMetricsMiddleware(collector))

	// 監視用エンドポイントはレート制限の外に置く
	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	accountHandler := NewAccountHandler(deps.AccountService)
	confirmHandler := NewConfirmHandler(deps.AccountService)

	r.Group(func(r chi.Router) {
		if deps.CORSAllowedOrigin != "" {
			r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		}
		r.Use(deps.RateLimiter.GeneralMiddleware())
		if deps.CSRF != nil {
			r.Use(middleware.NewCSRFMiddleware(*deps.CSRF))
		}

		r.Route("/api", func(r chi.Router) {
			if deps.CSRF != nil {
				r.Get("/csrf-token", middleware.NewCSRFTokenHandler(*deps.CSRF).ServeHTTP)
			}
			r.Post("/available", accountHandler.Available)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.MailMiddleware())
				r.Post("/register", accountHandler.Register)
				r.Post("/set-password", accountHandler.SetPassword)
				r.Post("/set-email", accountHandler.SetEmail)
				r.Post("/delete", accountHandler.Delete)
			})
		})

		r.Get("/{purpose}/confirm/{key}", confirmHandler.Form)
		r.Post("/{purpose}/confirm/{key}", confirmHandler.Redeem)
	})

	return r
}
