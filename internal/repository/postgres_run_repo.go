package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/reviewman/internal/model"
)

// PostgresRunRepo はPostgreSQLを使用した取り込み実行リポジトリ。
type PostgresRunRepo struct {
	db *sql.DB
}

// NewPostgresRunRepo はPostgresRunRepoを生成する。
func NewPostgresRunRepo(db *sql.DB) *PostgresRunRepo {
	return &PostgresRunRepo{db: db}
}

// Create は取り込み実行レコードを作成する。
func (r *PostgresRunRepo) Create(ctx context.Context, run *model.IngestionRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, app_id, workspace_id, trigger_reason, state,
		                             started_at, reviews_fetched, reviews_new,
		                             reviews_duplicate, pages_processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.AppID, run.WorkspaceID, run.Trigger, run.State,
		run.StartedAt, run.ReviewsFetched, run.ReviewsNew,
		run.ReviewsDuplicate, run.PagesProcessed, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("取り込み実行レコードの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateState は実行の状態のみを更新する。
// 終端状態からの遷移を防ぐため、更新対象は非終端状態の行に限定する。
func (r *PostgresRunRepo) UpdateState(ctx context.Context, runID string, state model.RunState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET state = $2
		 WHERE id = $1 AND state IN ('PENDING', 'RUNNING')`,
		runID, state,
	)
	if err != nil {
		return fmt.Errorf("実行状態の更新に失敗しました: %w", err)
	}
	return nil
}

// Finish は実行を終端状態に遷移させ、カウンタとエラーコードを記録する。
// すでに終端状態の行は変更しない。
func (r *PostgresRunRepo) Finish(ctx context.Context, run *model.IngestionRun) error {
	var errorCode sql.NullString
	if run.ErrorCode != "" {
		errorCode = sql.NullString{String: string(run.ErrorCode), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET
		    state = $2,
		    completed_at = $3,
		    reviews_fetched = $4,
		    reviews_new = $5,
		    reviews_duplicate = $6,
		    pages_processed = $7,
		    error_code = $8
		 WHERE id = $1 AND state IN ('PENDING', 'RUNNING')`,
		run.ID, run.State, run.CompletedAt,
		run.ReviewsFetched, run.ReviewsNew, run.ReviewsDuplicate,
		run.PagesProcessed, errorCode,
	)
	if err != nil {
		return fmt.Errorf("実行の終端遷移に失敗しました: %w", err)
	}
	return nil
}

// CountManualSince は指定時刻以降のワークスペースの手動トリガー実行数を返す。
func (r *PostgresRunRepo) CountManualSince(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM ingestion_runs
		 WHERE workspace_id = $1
		   AND trigger_reason = 'manual'
		   AND started_at >= $2`,
		workspaceID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("手動実行数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// DeleteTerminalBefore は指定時刻より前に終端状態へ達した実行レコードを削除し、
// 削除件数を返す。実行履歴の保持期間管理に使う。
func (r *PostgresRunRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM ingestion_runs
		 WHERE state IN ('COMPLETED', 'FAILED', 'CANCELLED')
		   AND completed_at IS NOT NULL
		   AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("実行履歴の削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ RunRepository = (*PostgresRunRepo)(nil)
