package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/reviewman/internal/metrics"
	"github.com/hitoshi/reviewman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ハンドラー依存
	DB           Pinger
	Runner       BatchRunnerInterface
	Apps         EligibleAppLister
	Reviews      StoredReviewCounter
	IngestConfig IngestHandlerConfig

	// メトリクス
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging
//
// APIレート制限は/api/*配下にのみ適用する。/healthzと/metricsは
// 監視系からの定期アクセスを想定し制限しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	healthHandler := NewHealthHandler(deps.DB, deps.Logger)
	ingestHandler := NewIngestHandler(deps.Runner, deps.Apps, deps.Reviews, deps.IngestConfig, deps.Logger)

	r.Get("/healthz", healthHandler.Healthz)
	r.Handle("/metrics", metrics.SetupMetricsRoute(deps.Gatherer))

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.Middleware())

		r.Route("/ingest", func(r chi.Router) {
			r.Get("/status", ingestHandler.Status)
			r.Post("/trigger", ingestHandler.Trigger)
		})
	})

	return r
}
