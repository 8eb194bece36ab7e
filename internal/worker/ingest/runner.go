package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/reviewman/internal/metrics"
	"github.com/hitoshi/reviewman/internal/model"
	"github.com/hitoshi/reviewman/internal/quota"
	"github.com/hitoshi/reviewman/internal/repository"
)

// noEligibleAppsMessage は取り込み対象アプリが0件だった場合の結果メッセージ。
const noEligibleAppsMessage = "No eligible apps"

// SourceFetcherService は1ソースの取り込み実行インターフェース。
type SourceFetcherService interface {
	// FetchSource は指定アプリの1ソート順のレビューをページ順に取り込む。
	FetchSource(ctx context.Context, app *model.App, sort model.SortOrder, budget int) SourceResult
}

// QuotaService はプランクォータの判定インターフェース。
type QuotaService interface {
	// AssertWithinPlan はメトリクスがdelta追加後もプラン内に収まるかを判定する。
	AssertWithinPlan(ctx context.Context, workspaceID string, metric quota.Metric, delta int) (quota.CheckResult, error)
	// ReviewCeiling は1回の取り込みあたりのレビュー数上限を返す（-1は無制限）。
	ReviewCeiling(ctx context.Context, workspaceID string) (int, error)
}

// AppOutcome は1アプリの取り込み結果を表す。
// スキップされたアプリには実行レコードが作られないため、RunIDは空になる。
type AppOutcome struct {
	AppID            string
	RunID            string
	State            model.RunState
	ReviewsFetched   int
	ReviewsNew       int
	ReviewsDuplicate int
	PagesProcessed   int
	ErrorCode        model.ErrorCode
	Skipped          bool
}

// BatchResult は1回のバッチ実行の集計結果を表す。
type BatchResult struct {
	Total       int
	Completed   int
	Failed      int
	Skipped     int
	Message     string
	StartedAt   time.Time
	CompletedAt time.Time
	Apps        []AppOutcome
}

// Runner は取り込みバッチの実行を統括する。
// 対象アプリの選定、実行レコードの状態遷移、semaphoreパターンによる
// 並列制御、実行ごとのタイムアウトを担う。
type Runner struct {
	appRepo        repository.AppRepository
	runRepo        repository.RunRepository
	fetcher        SourceFetcherService
	quota          QuotaService
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	maxAppsPerRun  int
	maxConcurrency int
	runTimeout     time.Duration
	syncInterval   time.Duration
	sourceDelay    time.Duration
	sortOrders     []model.SortOrder
}

// NewRunner はRunnerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値3を使用する。
func NewRunner(
	appRepo repository.AppRepository,
	runRepo repository.RunRepository,
	fetcher SourceFetcherService,
	quotaSvc QuotaService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxAppsPerRun int,
	maxConcurrency int,
	runTimeout time.Duration,
	syncInterval time.Duration,
	sourceDelay time.Duration,
) *Runner {
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	if maxAppsPerRun <= 0 {
		maxAppsPerRun = 10
	}
	return &Runner{
		appRepo:        appRepo,
		runRepo:        runRepo,
		fetcher:        fetcher,
		quota:          quotaSvc,
		collector:      collector,
		logger:         logger,
		maxAppsPerRun:  maxAppsPerRun,
		maxConcurrency: maxConcurrency,
		runTimeout:     runTimeout,
		syncInterval:   syncInterval,
		sourceDelay:    sourceDelay,
		sortOrders:     model.DefaultSortOrders,
	}
}

// RunBatch は取り込みバッチを1回実行する。
// 最終同期がSYNC_INTERVALより古いACTIVEなアプリを選定し、
// semaphoreパターンで並列に取り込む。RUN_TIMEOUTは実行（アプリ）単位で適用する。
// ストレージ障害以外の失敗はアプリ単位の結果として報告され、errorにはならない。
// ストレージ障害時は途中までの結果を添えてerrorを返す。
func (r *Runner) RunBatch(ctx context.Context, trigger model.RunTrigger) (BatchResult, error) {
	result := BatchResult{StartedAt: time.Now()}
	cutoff := result.StartedAt.Add(-r.syncInterval)

	apps, err := r.appRepo.ListEligible(ctx, cutoff, r.maxAppsPerRun)
	if err != nil {
		result.CompletedAt = time.Now()
		return result, model.NewInternalError(fmt.Errorf("取り込み対象アプリの取得に失敗: %w", err))
	}

	if len(apps) == 0 {
		r.logger.Info("取り込み対象のアプリはありません")
		result.Message = noEligibleAppsMessage
		result.CompletedAt = time.Now()
		return result, nil
	}

	r.logger.Info("取り込みバッチを開始します",
		slog.Int("app_count", len(apps)),
		slog.String("trigger", string(trigger)),
		slog.Int("max_concurrency", r.maxConcurrency),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup
	outcomes := make([]AppOutcome, len(apps))
	storageErrs := make([]error, len(apps))

	for i, app := range apps {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(idx int, a *model.App) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			outcome, err := r.ingestApp(ctx, a, trigger)
			outcomes[idx] = outcome
			storageErrs[idx] = err
		}(i, app)
	}

	wg.Wait()

	result.Apps = outcomes
	result.Total = len(outcomes)
	var firstStorageErr error
	for i, outcome := range outcomes {
		switch {
		case outcome.Skipped:
			result.Skipped++
		case outcome.State == model.RunStateCompleted:
			result.Completed++
		default:
			result.Failed++
		}
		if storageErrs[i] != nil && firstStorageErr == nil {
			firstStorageErr = storageErrs[i]
		}
	}
	result.CompletedAt = time.Now()

	if firstStorageErr != nil {
		r.logger.Error("ストレージ障害により取り込みバッチを中断しました",
			slog.String("error", firstStorageErr.Error()),
		)
		return result, model.NewInternalError(firstStorageErr)
	}

	r.logger.Info("取り込みバッチが完了しました",
		slog.Int("total", result.Total),
		slog.Int("completed", result.Completed),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Float64("duration_ms", float64(result.CompletedAt.Sub(result.StartedAt).Milliseconds())),
	)

	return result, nil
}

// ingestApp は1アプリの取り込みを実行する。
// 実行ごとにRUN_TIMEOUTの期限を設定し、他アプリの消費時間の影響を受けない。
// errorはストレージ障害時のみ非nilとなり、バッチ全体の中断を引き起こす。
// それ以外の失敗はoutcomeに記録される。
func (r *Runner) ingestApp(ctx context.Context, stale *model.App, trigger model.RunTrigger) (AppOutcome, error) {
	outcome := AppOutcome{AppID: stale.ID}

	// バッチ自体がキャンセル済みなら実行レコードを作らずスキップする
	if ctx.Err() != nil {
		outcome.Skipped = true
		outcome.ErrorCode = model.ErrCodeIngestionCancelled
		return outcome, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	// 選定後に状態が変わっている可能性があるため再取得する
	app, err := r.appRepo.FindByID(ctx, stale.ID)
	if err != nil {
		if ctx.Err() != nil {
			outcome.Skipped = true
			outcome.ErrorCode = model.ErrCodeIngestionCancelled
			return outcome, nil
		}
		return outcome, fmt.Errorf("アプリの再取得に失敗: %w", err)
	}
	if app == nil || app.DeletedAt != nil {
		outcome.Skipped = true
		outcome.ErrorCode = model.ErrCodeAppNotFound
		return outcome, nil
	}
	switch app.Status {
	case model.AppStatusPaused:
		r.logger.Info("一時停止中のアプリをスキップします", slog.String("app_id", app.ID))
		outcome.Skipped = true
		outcome.ErrorCode = model.ErrCodeAppPaused
		return outcome, nil
	case model.AppStatusArchived:
		r.logger.Info("アーカイブ済みのアプリをスキップします", slog.String("app_id", app.ID))
		outcome.Skipped = true
		outcome.ErrorCode = model.ErrCodeAppArchived
		return outcome, nil
	}

	// 手動トリガーは日次回数クォータの対象
	if trigger == model.RunTriggerManual {
		check, err := r.quota.AssertWithinPlan(ctx, app.WorkspaceID, quota.MetricManualIngestionsPerDay, 1)
		if err != nil {
			return outcome, fmt.Errorf("手動取り込みクォータの判定に失敗: %w", err)
		}
		if !check.OK {
			run := newRun(app, trigger)
			if err := r.runRepo.Create(ctx, run); err != nil {
				return outcome, fmt.Errorf("実行レコードの作成に失敗: %w", err)
			}
			r.collector.RecordRunStarted()
			r.logger.Warn("手動取り込みの日次上限に達しています",
				slog.String("app_id", app.ID),
				slog.String("workspace_id", app.WorkspaceID),
				slog.Int("current", check.Current),
				slog.Int("limit", check.Limit),
			)
			return outcome, r.finishRun(ctx, run, &outcome, model.RunStateFailed, model.ErrCodeDailyLimitExceeded)
		}
	}

	run := newRun(app, trigger)
	if err := r.runRepo.Create(ctx, run); err != nil {
		return outcome, fmt.Errorf("実行レコードの作成に失敗: %w", err)
	}
	outcome.RunID = run.ID
	r.collector.RecordRunStarted()

	if err := r.runRepo.UpdateState(ctx, run.ID, model.RunStateRunning); err != nil {
		return outcome, fmt.Errorf("実行レコードの状態更新に失敗: %w", err)
	}
	run.State = model.RunStateRunning

	ceiling, err := r.quota.ReviewCeiling(ctx, app.WorkspaceID)
	if err != nil {
		return outcome, fmt.Errorf("レビュー数上限の取得に失敗: %w", err)
	}

	// ソースを順に取り込む。budgetは全ソース横断の残り保存枠。
	budget := ceiling
	succeeded := 0
	appName := ""
	var firstErrCode model.ErrorCode

	for i, sort := range r.sortOrders {
		if i > 0 {
			if err := sleepCtx(ctx, r.sourceDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		res := r.fetcher.FetchSource(ctx, app, sort, budget)

		run.ReviewsFetched += res.ReviewsFetched
		run.ReviewsNew += res.ReviewsNew
		run.ReviewsDuplicate += res.ReviewsDuplicate
		run.PagesProcessed += res.PagesProcessed
		if budget != model.Unlimited {
			budget -= res.ReviewsFetched
			if budget < 0 {
				budget = 0
			}
		}
		if res.AppName != "" && appName == "" {
			appName = res.AppName
		}

		if res.Err != nil {
			if res.Err.Code == model.ErrCodeDatabaseError {
				// ストレージ障害: 実行を閉じてバッチを中断する
				if finishErr := r.finishRun(ctx, run, &outcome, model.RunStateFailed, res.Err.Code); finishErr != nil {
					return outcome, finishErr
				}
				return outcome, res.Err
			}
			if firstErrCode == "" {
				firstErrCode = res.Err.Code
			}
			continue
		}
		succeeded++
	}

	// 1ソース以上成功した場合のみ最終同期時刻を進める
	if succeeded > 0 {
		if err := r.appRepo.UpdateLastSyncedAt(context.WithoutCancel(ctx), app.ID, time.Now()); err != nil {
			r.logger.Error("最終同期時刻の更新に失敗しました",
				slog.String("app_id", app.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// フィードタイトル由来の表示名を反映する
	if appName != "" && appName != app.Name {
		if err := r.appRepo.UpdateName(context.WithoutCancel(ctx), app.ID, appName); err != nil {
			r.logger.Error("アプリ表示名の更新に失敗しました",
				slog.String("app_id", app.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	state := model.RunStateCompleted
	if succeeded == 0 {
		state = model.RunStateFailed
	}
	// 期限超過で中断した実行は部分成功があってもFAILEDで閉じる。
	// 保存済みのレビューと最終同期時刻はそのまま残る。
	if ctx.Err() != nil {
		state = model.RunStateFailed
		firstErrCode = model.ErrCodeIngestionCancelled
	}

	return outcome, r.finishRun(ctx, run, &outcome, state, firstErrCode)
}

// finishRun は実行レコードを終端状態に遷移させ、結果をoutcomeに反映する。
// タイムアウト後でも実行レコードを閉じられるよう、キャンセルを切り離した
// コンテキストで書き込む。
func (r *Runner) finishRun(ctx context.Context, run *model.IngestionRun, outcome *AppOutcome, state model.RunState, errCode model.ErrorCode) error {
	now := time.Now()
	run.State = state
	run.ErrorCode = errCode
	run.CompletedAt = &now

	outcome.RunID = run.ID
	outcome.State = state
	outcome.ErrorCode = errCode
	outcome.ReviewsFetched = run.ReviewsFetched
	outcome.ReviewsNew = run.ReviewsNew
	outcome.ReviewsDuplicate = run.ReviewsDuplicate
	outcome.PagesProcessed = run.PagesProcessed

	if err := r.runRepo.Finish(context.WithoutCancel(ctx), run); err != nil {
		r.collector.RecordRunFinished(string(state))
		return fmt.Errorf("実行レコードの完了処理に失敗: %w", err)
	}
	r.collector.RecordRunFinished(string(state))
	r.collector.RecordReviews(run.ReviewsFetched, run.ReviewsNew, run.ReviewsDuplicate)

	r.logger.Info("アプリの取り込みが終了しました",
		slog.String("app_id", run.AppID),
		slog.String("run_id", run.ID),
		slog.String("state", string(state)),
		slog.String("error_code", string(errCode)),
		slog.Int("reviews_fetched", run.ReviewsFetched),
		slog.Int("reviews_new", run.ReviewsNew),
		slog.Int("reviews_duplicate", run.ReviewsDuplicate),
		slog.Int("pages_processed", run.PagesProcessed),
	)

	return nil
}

// newRun は新しい実行レコードを生成する。
func newRun(app *model.App, trigger model.RunTrigger) *model.IngestionRun {
	now := time.Now()
	return &model.IngestionRun{
		ID:          uuid.New().String(),
		AppID:       app.ID,
		WorkspaceID: app.WorkspaceID,
		Trigger:     trigger,
		State:       model.RunStatePending,
		StartedAt:   now,
		CreatedAt:   now,
	}
}
