package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresAnalysisRepo はPostgreSQLを使用した分析レコードの参照リポジトリ。
// 分析レコードの作成はレビュー分析機能（本リポジトリの対象外）が行う。
type PostgresAnalysisRepo struct {
	db *sql.DB
}

// NewPostgresAnalysisRepo はPostgresAnalysisRepoを生成する。
func NewPostgresAnalysisRepo(db *sql.DB) *PostgresAnalysisRepo {
	return &PostgresAnalysisRepo{db: db}
}

// CountByWorkspaceSince は指定時刻以降のワークスペースの分析数を返す。
func (r *PostgresAnalysisRepo) CountByWorkspaceSince(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM analyses
		 WHERE workspace_id = $1 AND created_at >= $2`,
		workspaceID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("分析数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ AnalysisRepository = (*PostgresAnalysisRepo)(nil)
