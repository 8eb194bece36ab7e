// Package model はドメインモデルを定義する。
package model

import "time"

// Workspace はマルチテナントのワークスペースを表す。
// プランと個別上書き値からクォータの実効上限が導出される。
type Workspace struct {
	ID                                string
	Name                              string
	Plan                              Plan
	MaxAppsOverride                   *int
	MaxAnalysesPerMonthOverride       *int
	MaxReviewsPerRunOverride          *int
	MaxManualIngestionsPerDayOverride *int
	CreatedAt                         time.Time
	UpdatedAt                         time.Time
}

// Plan は課金プランのティアを表す。
type Plan string

const (
	// PlanStarter は最小ティア。
	PlanStarter Plan = "starter"
	// PlanPro は中間ティア。
	PlanPro Plan = "pro"
	// PlanBusiness は最上位ティア。
	PlanBusiness Plan = "business"
)

// Unlimited はクォータ上限の「無制限」を表す値。
const Unlimited = -1

// PlanLimits はプランごとのクォータ上限を表す。
// 各値はワークスペース側の上書きがない場合の既定値で、-1は無制限を意味する。
type PlanLimits struct {
	MaxApps                   int
	MaxAnalysesPerMonth       int
	MaxReviewsPerRun          int
	MaxManualIngestionsPerDay int
}

// planDefaults はプランティアごとの既定上限。
var planDefaults = map[Plan]PlanLimits{
	PlanStarter: {
		MaxApps:                   1,
		MaxAnalysesPerMonth:       4,
		MaxReviewsPerRun:          100,
		MaxManualIngestionsPerDay: 2,
	},
	PlanPro: {
		MaxApps:                   10,
		MaxAnalysesPerMonth:       30,
		MaxReviewsPerRun:          500,
		MaxManualIngestionsPerDay: 5,
	},
	PlanBusiness: {
		MaxApps:                   25,
		MaxAnalysesPerMonth:       Unlimited,
		MaxReviewsPerRun:          1000,
		MaxManualIngestionsPerDay: 10,
	},
}

// DefaultLimits はプランの既定上限を返す。
// 未知のプランはStarter相当として扱う。
func DefaultLimits(plan Plan) PlanLimits {
	if limits, ok := planDefaults[plan]; ok {
		return limits
	}
	return planDefaults[PlanStarter]
}

// EffectiveLimits はプラン既定値にワークスペースの上書きを適用した実効上限を返す。
// 上書き値が設定されている項目は常に上書き値が優先される。
func (w *Workspace) EffectiveLimits() PlanLimits {
	limits := DefaultLimits(w.Plan)
	if w.MaxAppsOverride != nil {
		limits.MaxApps = *w.MaxAppsOverride
	}
	if w.MaxAnalysesPerMonthOverride != nil {
		limits.MaxAnalysesPerMonth = *w.MaxAnalysesPerMonthOverride
	}
	if w.MaxReviewsPerRunOverride != nil {
		limits.MaxReviewsPerRun = *w.MaxReviewsPerRunOverride
	}
	if w.MaxManualIngestionsPerDayOverride != nil {
		limits.MaxManualIngestionsPerDay = *w.MaxManualIngestionsPerDayOverride
	}
	return limits
}
