// Package ingest はレビュー取り込みのバックグラウンド処理を提供する。
// バッチランナー、ソースフェッチャー、リトライ/バックオフ戦略、
// cronスケジューラを含む。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/reviewman/internal/appstore"
	"github.com/hitoshi/reviewman/internal/metrics"
	"github.com/hitoshi/reviewman/internal/model"
	"github.com/hitoshi/reviewman/internal/review"
)

// PageFetcher はレビューフィードのページ取得インターフェース。
type PageFetcher interface {
	// FetchPage は指定アプリのレビューフィードを1ページ取得する。
	FetchPage(ctx context.Context, app *model.App, sort model.SortOrder, page int) (*appstore.Page, error)
}

// ReviewPersister はレビューの重複排除付き保存インターフェース。
type ReviewPersister interface {
	// Persist はフェッチ済みレビューを保存し、新規・重複の件数を返す。
	Persist(ctx context.Context, appID string, reviews []*model.Review) (review.PersistResult, error)
}

// WorkspaceLimiter はワークスペース単位のレートリミット判定インターフェース。
type WorkspaceLimiter interface {
	// Allow はキーに対するリクエストを許可するかどうかを返す。
	Allow(key string) bool
}

// SourceResult は1ソース（ソート順）の取り込み結果を表す。
type SourceResult struct {
	Sort             model.SortOrder
	AppName          string
	ReviewsFetched   int
	ReviewsNew       int
	ReviewsDuplicate int
	PagesProcessed   int
	// Err はソースが途中で停止した原因。nilならソース成功。
	// 停止時点までに保存済みのレビューは保持される。
	Err *model.IngestionError
}

// SourceFetcher は1アプリ・1ソート順のページネーションループを実行する。
// 外部リクエストごとにレートリミットを消費し、フェッチ・リトライ・保存を行う。
type SourceFetcher struct {
	client    PageFetcher
	persister ReviewPersister
	limiter   WorkspaceLimiter
	collector metrics.MetricsCollector
	logger    *slog.Logger
	maxPages  int
	pageDelay time.Duration
	backoff   func(failures int) time.Duration // テストで差し替え可能
}

// NewSourceFetcher はSourceFetcherの新しいインスタンスを生成する。
// maxPagesが0以下の場合はデフォルト値10を使用する。
func NewSourceFetcher(
	client PageFetcher,
	persister ReviewPersister,
	limiter WorkspaceLimiter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxPages int,
	pageDelay time.Duration,
) *SourceFetcher {
	if maxPages <= 0 {
		maxPages = 10
	}
	return &SourceFetcher{
		client:    client,
		persister: persister,
		limiter:   limiter,
		collector: collector,
		logger:    logger,
		maxPages:  maxPages,
		pageDelay: pageDelay,
		backoff:   FetchBackoff,
	}
}

// FetchSource は指定アプリの1ソート順のレビューをページ順に取り込む。
// budgetはこのソースで保存に回せるレビュー数の残り（model.Unlimitedは無制限）。
// 停止条件: レビュー0件のページ（フィード終端）、既出IDのみのページ（巡回完了）、
// budgetの枯渇、レートリミット拒否、リトライ枯渇後のフェッチ失敗。
// レートリミット拒否とフェッチ失敗はErrに記録されるが、保存済みページは失われない。
func (f *SourceFetcher) FetchSource(ctx context.Context, app *model.App, sort model.SortOrder, budget int) SourceResult {
	result := SourceResult{Sort: sort}
	seen := make(map[string]struct{})

	for pageNum := 1; pageNum <= f.maxPages; pageNum++ {
		if ctx.Err() != nil {
			result.Err = model.NewIngestionCancelledError()
			return result
		}

		if budget == 0 {
			// レビュー数上限に到達（正常停止）
			f.logger.Info("レビュー数上限に達したためソースの取り込みを終了します",
				slog.String("app_id", app.ID),
				slog.String("sort", string(sort)),
				slog.Int("pages_processed", result.PagesProcessed),
			)
			return result
		}

		page, err := f.fetchPageWithRetry(ctx, app, sort, pageNum)
		if err != nil {
			ingErr := asIngestionError(err)
			if ingErr.Code == model.ErrCodeRateLimitExceeded {
				f.logger.Warn("レートリミットに達したためソースの取り込みを中断します",
					slog.String("app_id", app.ID),
					slog.String("workspace_id", app.WorkspaceID),
					slog.String("sort", string(sort)),
					slog.Int("pages_processed", result.PagesProcessed),
				)
			}
			result.Err = ingErr
			return result
		}

		result.PagesProcessed++
		if page.AppName != "" && result.AppName == "" {
			result.AppName = page.AppName
		}

		if len(page.Reviews) == 0 {
			// フィード終端
			return result
		}

		// このソースで未出のレビューだけを抽出する
		fresh := make([]appstore.FetchedReview, 0, len(page.Reviews))
		for _, r := range page.Reviews {
			if _, ok := seen[r.ExternalID]; ok {
				continue
			}
			seen[r.ExternalID] = struct{}{}
			fresh = append(fresh, r)
		}

		if len(fresh) == 0 {
			// 既出IDのみのページ = フィードが先頭に巻き戻った
			f.logger.Info("既出レビューのみのページを検出したためソースの取り込みを終了します",
				slog.String("app_id", app.ID),
				slog.String("sort", string(sort)),
				slog.Int("page", pageNum),
			)
			return result
		}

		if budget != model.Unlimited && len(fresh) > budget {
			fresh = fresh[:budget]
		}

		persisted, err := f.persister.Persist(ctx, app.ID, convertFetchedReviews(app.ID, sort, fresh))
		if err != nil {
			if ctx.Err() != nil {
				result.Err = model.NewIngestionCancelledError()
				return result
			}
			result.Err = model.NewDatabaseError(fmt.Errorf("レビューの保存に失敗: %w", err))
			return result
		}

		result.ReviewsFetched += len(fresh)
		result.ReviewsNew += persisted.New
		result.ReviewsDuplicate += persisted.Duplicate
		if budget != model.Unlimited {
			budget -= len(fresh)
		}

		// 次ページまでの固定遅延
		if pageNum < f.maxPages {
			if err := sleepCtx(ctx, f.pageDelay); err != nil {
				result.Err = model.NewIngestionCancelledError()
				return result
			}
		}
	}

	return result
}

// fetchPageWithRetry は1ページのフェッチを最大maxFetchAttempts回まで試行する。
// リトライを含め外部リクエスト1回ごとにワークスペースのレートリミットを消費する。
// リトライ対象外のエラー（APPLE_NOT_FOUNDなど）は即座に返す。
func (f *SourceFetcher) fetchPageWithRetry(ctx context.Context, app *model.App, sort model.SortOrder, pageNum int) (*appstore.Page, error) {
	var lastErr error

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		if !f.limiter.Allow(app.WorkspaceID) {
			f.collector.RecordRateLimitHit(app.WorkspaceID)
			return nil, model.NewRateLimitExceededError(app.WorkspaceID)
		}

		start := time.Now()
		page, err := f.client.FetchPage(ctx, app, sort, pageNum)
		if err == nil {
			f.collector.RecordFetchLatency(time.Since(start))
			f.collector.RecordPageFetched()
			return page, nil
		}

		lastErr = err
		code := errorCode(err)
		f.collector.RecordFetchFailure(string(code))
		f.logger.Warn("ページのフェッチに失敗しました",
			slog.String("app_id", app.ID),
			slog.String("sort", string(sort)),
			slog.Int("page", pageNum),
			slog.Int("attempt", attempt),
			slog.String("error_code", string(code)),
			slog.String("error", err.Error()),
		)

		if !ShouldRetryFetch(err) || attempt == maxFetchAttempts {
			return nil, err
		}

		if err := sleepCtx(ctx, f.backoff(attempt)); err != nil {
			return nil, model.NewIngestionCancelledError()
		}
	}

	return nil, lastErr
}

// convertFetchedReviews はフェッチ済みレビューを保存用モデルに変換する。
func convertFetchedReviews(appID string, sort model.SortOrder, fetched []appstore.FetchedReview) []*model.Review {
	reviews := make([]*model.Review, 0, len(fetched))
	for _, r := range fetched {
		reviews = append(reviews, &model.Review{
			AppID:            appID,
			ExternalReviewID: r.ExternalID,
			Author:           r.Author,
			Rating:           r.Rating,
			Title:            r.Title,
			Body:             r.Body,
			ReviewedAt:       r.UpdatedAt,
			SortOrder:        sort,
		})
	}
	return reviews
}

// asIngestionError はエラーを*model.IngestionErrorに変換する。
// 変換できない場合はINTERNAL_ERRORとしてラップする。
func asIngestionError(err error) *model.IngestionError {
	var ingErr *model.IngestionError
	if errors.As(err, &ingErr) {
		return ingErr
	}
	return model.NewInternalError(err)
}

// errorCode はエラーからエラーコードを取り出す。
func errorCode(err error) model.ErrorCode {
	var ingErr *model.IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Code
	}
	return model.ErrCodeInternalError
}
