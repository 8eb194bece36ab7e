// Package quota はプランティアに基づくクォータ判定を提供する。
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/reviewman/internal/model"
	"github.com/hitoshi/reviewman/internal/repository"
)

// Metric はクォータ判定の対象メトリクスを表す。
type Metric string

const (
	// MetricApps はワークスペース内のアプリ数（アーカイブ除く）。
	MetricApps Metric = "apps"
	// MetricAnalysesPerMonth は当月（UTC）の分析実行数。
	MetricAnalysesPerMonth Metric = "analysesPerMonth"
	// MetricReviewsPerRun は1回の取り込みで保存するレビュー数の上限。
	// 累積カウンタではなくフェッチループに適用される天井値として扱う。
	MetricReviewsPerRun Metric = "reviewsPerRun"
	// MetricManualIngestionsPerDay は当日（UTC）の手動取り込み実行数。
	MetricManualIngestionsPerDay Metric = "manualIngestionsPerDay"
)

// CheckResult はクォータ判定の結果を表す。
// 例外制御フローではなく明示的な結果型として返し、呼び出し側が分岐できるようにする。
type CheckResult struct {
	OK      bool
	Metric  Metric
	Current int
	Limit   int
}

// Enforcer はワークスペースの実効上限と現在使用量からクォータ判定を行う。
type Enforcer struct {
	workspaceRepo repository.WorkspaceRepository
	appRepo       repository.AppRepository
	runRepo       repository.RunRepository
	analysisRepo  repository.AnalysisRepository
}

// NewEnforcer はEnforcerの新しいインスタンスを生成する。
func NewEnforcer(
	workspaceRepo repository.WorkspaceRepository,
	appRepo repository.AppRepository,
	runRepo repository.RunRepository,
	analysisRepo repository.AnalysisRepository,
) *Enforcer {
	return &Enforcer{
		workspaceRepo: workspaceRepo,
		appRepo:       appRepo,
		runRepo:       runRepo,
		analysisRepo:  analysisRepo,
	}
}

// AssertWithinPlan はワークスペースのメトリクスがdelta追加後もプラン内に収まるかを判定する。
// 実効上限はプラン既定値にワークスペースの上書きを適用して解決する。
// 上限が-1（無制限）の場合は常に許可する。
// クォータ超過は回復可能な報告対象の状態であり、errorとしては返さない。
// errorはワークスペース未検出や使用量取得の失敗時のみ返す。
func (e *Enforcer) AssertWithinPlan(ctx context.Context, workspaceID string, metric Metric, delta int) (CheckResult, error) {
	ws, err := e.workspaceRepo.FindByID(ctx, workspaceID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("ワークスペースの取得に失敗: %w", err)
	}
	if ws == nil {
		return CheckResult{}, fmt.Errorf("ワークスペースが見つかりません: %s", workspaceID)
	}

	limit, err := resolveLimit(ws, metric)
	if err != nil {
		return CheckResult{}, err
	}

	if limit == model.Unlimited {
		return CheckResult{OK: true, Metric: metric, Current: 0, Limit: model.Unlimited}, nil
	}

	current, err := e.currentUsage(ctx, workspaceID, metric)
	if err != nil {
		return CheckResult{}, fmt.Errorf("使用量の取得に失敗: %w", err)
	}

	return CheckResult{
		OK:      current+delta <= limit,
		Metric:  metric,
		Current: current,
		Limit:   limit,
	}, nil
}

// ReviewCeiling はワークスペースの1回の取り込みあたりのレビュー数上限を返す。
// -1は無制限を意味する。フェッチループの停止条件として直接適用される。
func (e *Enforcer) ReviewCeiling(ctx context.Context, workspaceID string) (int, error) {
	ws, err := e.workspaceRepo.FindByID(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("ワークスペースの取得に失敗: %w", err)
	}
	if ws == nil {
		return 0, fmt.Errorf("ワークスペースが見つかりません: %s", workspaceID)
	}
	return ws.EffectiveLimits().MaxReviewsPerRun, nil
}

// resolveLimit はメトリクスに対応する実効上限を解決する。
func resolveLimit(ws *model.Workspace, metric Metric) (int, error) {
	limits := ws.EffectiveLimits()
	switch metric {
	case MetricApps:
		return limits.MaxApps, nil
	case MetricAnalysesPerMonth:
		return limits.MaxAnalysesPerMonth, nil
	case MetricReviewsPerRun:
		return limits.MaxReviewsPerRun, nil
	case MetricManualIngestionsPerDay:
		return limits.MaxManualIngestionsPerDay, nil
	}
	return 0, fmt.Errorf("未知のクォータメトリクス: %s", metric)
}

// currentUsage はメトリクスの現在使用量を取得する。
func (e *Enforcer) currentUsage(ctx context.Context, workspaceID string, metric Metric) (int, error) {
	switch metric {
	case MetricApps:
		return e.appRepo.CountActiveByWorkspace(ctx, workspaceID)
	case MetricAnalysesPerMonth:
		return e.analysisRepo.CountByWorkspaceSince(ctx, workspaceID, startOfMonthUTC(time.Now()))
	case MetricManualIngestionsPerDay:
		return e.runRepo.CountManualSince(ctx, workspaceID, startOfDayUTC(time.Now()))
	case MetricReviewsPerRun:
		// 天井値のみのメトリクス。累積使用量は持たない。
		return 0, nil
	}
	return 0, fmt.Errorf("未知のクォータメトリクス: %s", metric)
}

// startOfMonthUTC はUTCでの月初の時刻を返す。
func startOfMonthUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// startOfDayUTC はUTCでの当日0時を返す。
func startOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
