// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/reviewman/internal/model"
)

// WorkspaceRepository はワークスペースデータの永続化インターフェース。
type WorkspaceRepository interface {
	// FindByID は指定IDのワークスペースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Workspace, error)
}

// AppRepository はアプリデータの永続化インターフェース。
// アプリの作成・状態変更はアプリ管理機能側が行い、取り込みパイプラインは
// 参照とlast_synced_at・nameの更新のみを行う。
type AppRepository interface {
	// FindByID は指定IDのアプリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.App, error)

	// ListEligible は取り込み対象のアプリを取得する。
	// status = 'ACTIVE' かつ未削除で、last_synced_atがNULLまたはcutoffより古いアプリを
	// last_synced_at昇順（NULL先頭）でmaxCount件まで返す。
	ListEligible(ctx context.Context, cutoff time.Time, maxCount int) ([]*model.App, error)

	// CountEligible は取り込み対象のアプリ総数を返す。
	CountEligible(ctx context.Context, cutoff time.Time) (int, error)

	// CountActiveByWorkspace はワークスペース内の未削除・非アーカイブのアプリ数を返す。
	// アプリ数クォータの現在使用量として使う。
	CountActiveByWorkspace(ctx context.Context, workspaceID string) (int, error)

	// UpdateLastSyncedAt はアプリの最終同期時刻を更新する。
	UpdateLastSyncedAt(ctx context.Context, appID string, syncedAt time.Time) error

	// UpdateName はアプリの表示名を更新する。
	// フィードのタイトルから取得した名前の反映に使う。
	UpdateName(ctx context.Context, appID string, name string) error
}

// ReviewRepository はレビューデータの永続化インターフェース。
// レビューは作成のみ可能で、更新・削除のパスは存在しない。
type ReviewRepository interface {
	// ExistsByExternalID は(app_id, external_review_id)のレビューが存在するかを返す。
	ExistsByExternalID(ctx context.Context, appID, externalReviewID string) (bool, error)

	// CreateBatch はレビューを一括作成し、実際に挿入された件数を返す。
	// 重複排除キー(app_id, external_review_id)の衝突行はスキップされ、挿入件数に含まれない。
	CreateBatch(ctx context.Context, reviews []*model.Review) (int, error)

	// CountByAppID は指定アプリの保存済みレビュー数を返す。
	CountByAppID(ctx context.Context, appID string) (int, error)
}

// RunRepository は取り込み実行レコードの永続化インターフェース。
type RunRepository interface {
	// Create は取り込み実行レコードを作成する。
	Create(ctx context.Context, run *model.IngestionRun) error

	// UpdateState は実行の状態のみを更新する。
	UpdateState(ctx context.Context, runID string, state model.RunState) error

	// Finish は実行を終端状態に遷移させ、カウンタとエラーコードを記録する。
	Finish(ctx context.Context, run *model.IngestionRun) error

	// CountManualSince は指定時刻以降のワークスペースの手動トリガー実行数を返す。
	// 手動取り込みの日次回数制限の現在使用量として使う。
	CountManualSince(ctx context.Context, workspaceID string, since time.Time) (int, error)

	// DeleteTerminalBefore は指定時刻より前に終端状態へ達した実行レコードを削除し、
	// 削除件数を返す。実行履歴の保持期間管理に使う。
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalysisRepository は分析レコードの参照インターフェース。
// 分析レコードの作成はレビュー分析機能（本リポジトリの対象外）が行うため、
// 月次クォータ集計に必要な参照のみを提供する。
type AnalysisRepository interface {
	// CountByWorkspaceSince は指定時刻以降のワークスペースの分析数を返す。
	CountByWorkspaceSince(ctx context.Context, workspaceID string, since time.Time) (int, error)
}
