// Package handler は取り込みパイプラインのHTTP APIを提供する。
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/reviewman/internal/model"
	"github.com/hitoshi/reviewman/internal/worker/ingest"
)

// BatchRunnerInterface は取り込みハンドラーが必要とするバッチ実行インターフェース。
type BatchRunnerInterface interface {
	// RunBatch は1回の取り込みバッチを実行する。
	RunBatch(ctx context.Context, trigger model.RunTrigger) (ingest.BatchResult, error)
}

// EligibleAppLister は取り込み対象アプリの参照インターフェース。
// ステータス表示のための件数とプレビューのみを必要とする。
type EligibleAppLister interface {
	// CountEligible は取り込み対象のアプリ総数を返す。
	CountEligible(ctx context.Context, cutoff time.Time) (int, error)
	// ListEligible は取り込み対象のアプリをmaxCount件まで返す。
	ListEligible(ctx context.Context, cutoff time.Time, maxCount int) ([]*model.App, error)
}

// StoredReviewCounter は保存済みレビュー数の参照インターフェース。
type StoredReviewCounter interface {
	// CountByAppID は指定アプリの保存済みレビュー数を返す。
	CountByAppID(ctx context.Context, appID string) (int, error)
}

// IngestHandlerConfig は取り込みハンドラーの動作設定。
type IngestHandlerConfig struct {
	// IngestSecret はトリガー認証用のシークレット。空の場合は非本番環境のみ許可。
	IngestSecret string
	// Production は本番環境かどうか。シークレット未設定時のトリガー許可判定に使う。
	Production bool

	// ステータス応答に含めるパイプライン設定
	SyncInterval      time.Duration
	MaxAppsPerRun     int
	MaxPagesPerSource int
	WorkerConcurrency int
	RunTimeout        time.Duration
	FetchTimeout      time.Duration
	PageDelay         time.Duration
	SourceDelay       time.Duration
}

// IngestHandler は取り込みステータスとトリガーのHTTPハンドラー。
type IngestHandler struct {
	runner  BatchRunnerInterface
	apps    EligibleAppLister
	reviews StoredReviewCounter
	config  IngestHandlerConfig
	logger  *slog.Logger
}

// NewIngestHandler はIngestHandlerを生成する。
func NewIngestHandler(runner BatchRunnerInterface, apps EligibleAppLister, reviews StoredReviewCounter, config IngestHandlerConfig, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		runner:  runner,
		apps:    apps,
		reviews: reviews,
		config:  config,
		logger:  logger,
	}
}

// appPreview はステータス応答に含める対象アプリの要約。
type appPreview struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	WorkspaceID  string  `json:"workspaceId"`
	LastSyncedAt *string `json:"lastSyncedAt"`
	ReviewCount  int     `json:"reviewCount"`
}

// pipelineConfigResponse はステータス応答に含めるパイプライン設定のエコー。
type pipelineConfigResponse struct {
	SyncInterval      string `json:"syncInterval"`
	MaxAppsPerRun     int    `json:"maxAppsPerRun"`
	MaxPagesPerSource int    `json:"maxPagesPerSource"`
	WorkerConcurrency int    `json:"workerConcurrency"`
	RunTimeout        string `json:"runTimeout"`
	FetchTimeout      string `json:"fetchTimeout"`
	PageDelay         string `json:"pageDelay"`
	SourceDelay       string `json:"sourceDelay"`
}

// statusResponse はGET /api/ingest/statusのレスポンス。
type statusResponse struct {
	EligibleCount int                    `json:"eligibleCount"`
	NextApps      []appPreview           `json:"nextApps"`
	Config        pipelineConfigResponse `json:"config"`
}

// appOutcomeResponse はアプリごとの取り込み結果。
type appOutcomeResponse struct {
	AppID            string `json:"appId"`
	RunID            string `json:"runId,omitempty"`
	State            string `json:"state"`
	ReviewsFetched   int    `json:"reviewsFetched"`
	ReviewsNew       int    `json:"reviewsNew"`
	ReviewsDuplicate int    `json:"reviewsDuplicate"`
	PagesProcessed   int    `json:"pagesProcessed"`
	ErrorCode        string `json:"errorCode,omitempty"`
}

// batchResultsResponse はバッチ全体の集計結果。
type batchResultsResponse struct {
	Total     int                  `json:"total"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Skipped   int                  `json:"skipped"`
	Apps      []appOutcomeResponse `json:"apps"`
}

// triggerResponse はPOST /api/ingest/triggerのレスポンス。
type triggerResponse struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message,omitempty"`
	Results     batchResultsResponse `json:"results"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt time.Time            `json:"completedAt"`
	DurationMs  int64                `json:"durationMs"`
}

// Status は取り込みステータスを返す。
// GET /api/ingest/status
func (h *IngestHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cutoff := time.Now().Add(-h.config.SyncInterval)

	count, err := h.apps.CountEligible(ctx, cutoff)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	apps, err := h.apps.ListEligible(ctx, cutoff, h.config.MaxAppsPerRun)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	previews := make([]appPreview, len(apps))
	for i, app := range apps {
		reviewCount, err := h.reviews.CountByAppID(ctx, app.ID)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		previews[i] = toAppPreview(app, reviewCount)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		EligibleCount: count,
		NextApps:      previews,
		Config: pipelineConfigResponse{
			SyncInterval:      h.config.SyncInterval.String(),
			MaxAppsPerRun:     h.config.MaxAppsPerRun,
			MaxPagesPerSource: h.config.MaxPagesPerSource,
			WorkerConcurrency: h.config.WorkerConcurrency,
			RunTimeout:        h.config.RunTimeout.String(),
			FetchTimeout:      h.config.FetchTimeout.String(),
			PageDelay:         h.config.PageDelay.String(),
			SourceDelay:       h.config.SourceDelay.String(),
		},
	})
}

// Trigger は手動トリガーで取り込みバッチを1回実行する。
// POST /api/ingest/trigger
//
// 対象アプリなし・全アプリ失敗などの想定内の結果は200で返し、
// ストレージ障害のみ500で部分結果とともに返す。
func (h *IngestHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeTrigger(r) {
		writeIngestionErrorResponse(w, http.StatusUnauthorized, model.NewPermissionDeniedError())
		return
	}

	h.logger.Info("手動トリガーによる取り込みを開始します")

	result, err := h.runner.RunBatch(r.Context(), model.RunTriggerManual)
	resp := toTriggerResponse(result, err)

	status := http.StatusOK
	if err != nil {
		// ストレージ障害時は500で部分結果を返す
		h.logger.Error("取り込みバッチが異常終了しました", slog.String("error", err.Error()))
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, resp)
}

// authorizeTrigger はトリガーリクエストの認可を判定する。
// シークレット設定時はAuthorization: Bearerまたは?secret=クエリと定数時間比較し、
// 未設定時は非本番環境に限り許可する。
func (h *IngestHandler) authorizeTrigger(r *http.Request) bool {
	if h.config.IngestSecret == "" {
		return !h.config.Production
	}

	presented := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	} else if secret := r.URL.Query().Get("secret"); secret != "" {
		presented = secret
	}

	if presented == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.config.IngestSecret)) == 1
}

func toAppPreview(app *model.App, reviewCount int) appPreview {
	p := appPreview{
		ID:          app.ID,
		Name:        app.Name,
		WorkspaceID: app.WorkspaceID,
		ReviewCount: reviewCount,
	}
	if app.LastSyncedAt != nil {
		s := app.LastSyncedAt.UTC().Format(time.RFC3339)
		p.LastSyncedAt = &s
	}
	return p
}

func toTriggerResponse(result ingest.BatchResult, err error) triggerResponse {
	apps := make([]appOutcomeResponse, len(result.Apps))
	for i, outcome := range result.Apps {
		apps[i] = appOutcomeResponse{
			AppID:            outcome.AppID,
			RunID:            outcome.RunID,
			State:            string(outcome.State),
			ReviewsFetched:   outcome.ReviewsFetched,
			ReviewsNew:       outcome.ReviewsNew,
			ReviewsDuplicate: outcome.ReviewsDuplicate,
			PagesProcessed:   outcome.PagesProcessed,
			ErrorCode:        string(outcome.ErrorCode),
		}
	}

	message := result.Message
	if err != nil && message == "" {
		message = "取り込み中にストレージ障害が発生しました。"
	}

	return triggerResponse{
		Success:     err == nil,
		Message:     message,
		Results: batchResultsResponse{
			Total:     result.Total,
			Completed: result.Completed,
			Failed:    result.Failed,
			Skipped:   result.Skipped,
			Apps:      apps,
		},
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMs:  result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
	}
}

// ingestionErrorResponse は統一エラーフォーマットのレスポンス。
type ingestionErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeJSON はJSONレスポンスを書き込む共通ヘルパー。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeIngestionErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeIngestionErrorResponse(w http.ResponseWriter, statusCode int, ingErr *model.IngestionError) {
	writeJSON(w, statusCode, ingestionErrorResponse{
		Code:     string(ingErr.Code),
		Message:  ingErr.Message,
		Category: ingErr.Category,
		Action:   ingErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ingErr *model.IngestionError
	if errors.As(err, &ingErr) {
		writeIngestionErrorResponse(w, mapErrorCodeToHTTPStatus(ingErr.Code), ingErr)
		return
	}

	// IngestionError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	writeIngestionErrorResponse(w, http.StatusInternalServerError, model.NewInternalError(err))
}

// mapErrorCodeToHTTPStatus はエラーコードからHTTPステータスコードにマッピングする。
func mapErrorCodeToHTTPStatus(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeInvalidAppID:
		return http.StatusBadRequest
	case model.ErrCodeAppNotFound, model.ErrCodeAppleNotFound:
		return http.StatusNotFound
	case model.ErrCodeAppPaused, model.ErrCodeAppArchived:
		return http.StatusConflict
	case model.ErrCodePermissionDenied:
		return http.StatusUnauthorized
	case model.ErrCodePlanLimitExceeded, model.ErrCodeDailyLimitExceeded, model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeAppleAPIError, model.ErrCodeAppleRateLimited, model.ErrCodeNetworkError:
		return http.StatusBadGateway
	case model.ErrCodeAppleTimeout:
		return http.StatusGatewayTimeout
	case model.ErrCodeParseError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
