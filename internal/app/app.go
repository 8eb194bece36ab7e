// Package app はアプリケーションの起動とDIワイヤリングを担う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/reviewman/internal/appstore"
	"github.com/hitoshi/reviewman/internal/config"
	"github.com/hitoshi/reviewman/internal/database"
	"github.com/hitoshi/reviewman/internal/handler"
	"github.com/hitoshi/reviewman/internal/logger"
	"github.com/hitoshi/reviewman/internal/metrics"
	"github.com/hitoshi/reviewman/internal/middleware"
	"github.com/hitoshi/reviewman/internal/quota"
	"github.com/hitoshi/reviewman/internal/ratelimit"
	"github.com/hitoshi/reviewman/internal/repository"
	"github.com/hitoshi/reviewman/internal/review"
	"github.com/hitoshi/reviewman/internal/security"
	"github.com/hitoshi/reviewman/internal/worker/cleanup"
	"github.com/hitoshi/reviewman/internal/worker/ingest"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("env", cfg.Env),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg, HasOnceFlag(args))
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// pipeline は取り込みパイプラインの依存関係一式をまとめた構造体。
// serve・workerの両モードで共通のワイヤリングを使う。
type pipeline struct {
	registry   *prometheus.Registry
	collector  *metrics.Collector
	appRepo    *repository.PostgresAppRepo
	reviewRepo *repository.PostgresReviewRepo
	runRepo    *repository.PostgresRunRepo
	limiter    *ratelimit.Limiter
	runner     *ingest.Runner
}

// close は常駐リソースを解放する。
func (p *pipeline) close() {
	p.limiter.Stop()
}

// buildPipeline は取り込みパイプラインの依存関係をワイヤリングする。
func buildPipeline(cfg *config.Config, db *sql.DB) *pipeline {
	// 1. リポジトリの初期化
	workspaceRepo := repository.NewPostgresWorkspaceRepo(db)
	appRepo := repository.NewPostgresAppRepo(db)
	reviewRepo := repository.NewPostgresReviewRepo(db)
	runRepo := repository.NewPostgresRunRepo(db)
	analysisRepo := repository.NewPostgresAnalysisRepo(db)

	// 2. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewReviewSanitizer()

	// 3. App Storeクライアントの初期化（SSRF防止付きHTTPクライアント）
	client := appstore.NewClient(
		ssrfGuard.NewSafeClient(cfg.FetchTimeout),
		slog.Default(),
		cfg.FeedFormat,
	)

	// 4. ワークスペース単位のレート制限
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests:   cfg.RateLimitMax,
		Window:        cfg.RateLimitWindow,
		SweepInterval: 5 * time.Minute,
		Disabled:      cfg.RateLimitDisabled,
	})

	// 5. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 6. 取り込みサービスの組み立て
	persister := review.NewPersister(reviewRepo, sanitizer)
	fetcher := ingest.NewSourceFetcher(
		client, persister, limiter, collector, slog.Default(),
		cfg.MaxPagesPerSource, cfg.PageDelay,
	)
	enforcer := quota.NewEnforcer(workspaceRepo, appRepo, runRepo, analysisRepo)
	runner := ingest.NewRunner(
		appRepo, runRepo, fetcher, enforcer, collector, slog.Default(),
		cfg.MaxAppsPerRun, cfg.WorkerConcurrency,
		cfg.RunTimeout, cfg.SyncInterval, cfg.SourceDelay,
	)

	return &pipeline{
		registry:   registry,
		collector:  collector,
		appRepo:    appRepo,
		reviewRepo: reviewRepo,
		runRepo:    runRepo,
		limiter:    limiter,
		runner:     runner,
	}
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// INGEST_CRONが設定されている場合は取り込みスケジューラも同居させる。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p := buildPipeline(cfg, db)
	defer p.close()

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	scheduler, err := startServeScheduler(schedCtx, cfg.IngestCron, p.runner)
	if err != nil {
		return err
	}

	// APIレート制限（クライアントIP単位）
	apiRateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(cfg.APIRateLimitRPS),
		Burst:           cfg.APIRateLimitBurst,
		CleanupInterval: 5 * time.Minute,
	})
	defer apiRateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       apiRateLimiter,
		DB:                db,
		Runner:            p.runner,
		Apps:              p.appRepo,
		Reviews:           p.reviewRepo,
		IngestConfig: handler.IngestHandlerConfig{
			IngestSecret:      cfg.IngestSecret,
			Production:        cfg.IsProduction(),
			SyncInterval:      cfg.SyncInterval,
			MaxAppsPerRun:     cfg.MaxAppsPerRun,
			MaxPagesPerSource: cfg.MaxPagesPerSource,
			WorkerConcurrency: cfg.WorkerConcurrency,
			RunTimeout:        cfg.RunTimeout,
			FetchTimeout:      cfg.FetchTimeout,
			PageDelay:         cfg.PageDelay,
			SourceDelay:       cfg.SourceDelay,
		},
		Gatherer: p.registry,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	schedCancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// startServeScheduler はINGEST_CRON設定時に、APIサーバーと同じプロセスで
// 取り込みスケジューラを起動する。未設定時は何もせずnilを返す。
func startServeScheduler(ctx context.Context, cronSpec string, runner ingest.BatchRunner) (*ingest.Scheduler, error) {
	if cronSpec == "" {
		return nil, nil
	}

	scheduler := ingest.NewScheduler(runner, slog.Default())
	if err := scheduler.Start(ctx, cronSpec); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	slog.Info("ingestion scheduler running alongside API server",
		slog.String("cron_spec", cronSpec),
	)
	return scheduler, nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、取り込みスケジューラと実行履歴クリーンアップを起動する。
// onceが指定された場合はバッチを1回だけ実行して終了する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config, once bool) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p := buildPipeline(cfg, db)
	defer p.close()

	scheduler := ingest.NewScheduler(p.runner, slog.Default())

	if once {
		slog.Info("running single ingestion batch")
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return scheduler.RunOnce(ctx)
	}

	cronSpec := cfg.IngestCron
	if cronSpec == "" {
		cronSpec = ingest.DefaultCronSpec(cfg.SyncInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("worker starting",
		slog.String("cron_spec", cronSpec),
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrency", cfg.WorkerConcurrency),
	)

	if err := scheduler.Start(ctx, cronSpec); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// 実行履歴クリーンアップを日次でバックグラウンド実行
	cleanupJob := cleanup.NewCleanupJob(p.runRepo, slog.Default())
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	<-stop
	slog.Info("shutting down worker...")
	cancel()
	scheduler.Stop()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
