package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/reviewman/internal/model"
)

// PostgresWorkspaceRepo はPostgreSQLを使用したワークスペースリポジトリ。
type PostgresWorkspaceRepo struct {
	db *sql.DB
}

// NewPostgresWorkspaceRepo はPostgresWorkspaceRepoを生成する。
func NewPostgresWorkspaceRepo(db *sql.DB) *PostgresWorkspaceRepo {
	return &PostgresWorkspaceRepo{db: db}
}

// FindByID は指定IDのワークスペースを取得する。見つからない場合はnilを返す。
func (r *PostgresWorkspaceRepo) FindByID(ctx context.Context, id string) (*model.Workspace, error) {
	ws := &model.Workspace{}
	var maxApps, maxAnalyses, maxReviews, maxManual sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, plan, max_apps_override, max_analyses_per_month_override,
		        max_reviews_per_run_override, max_manual_ingestions_per_day_override,
		        created_at, updated_at
		 FROM workspaces WHERE id = $1`,
		id,
	).Scan(
		&ws.ID, &ws.Name, &ws.Plan,
		&maxApps, &maxAnalyses, &maxReviews, &maxManual,
		&ws.CreatedAt, &ws.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ワークスペースの取得に失敗しました: %w", err)
	}

	ws.MaxAppsOverride = nullIntPtr(maxApps)
	ws.MaxAnalysesPerMonthOverride = nullIntPtr(maxAnalyses)
	ws.MaxReviewsPerRunOverride = nullIntPtr(maxReviews)
	ws.MaxManualIngestionsPerDayOverride = nullIntPtr(maxManual)

	return ws, nil
}

// nullIntPtr はsql.NullInt64を*intに変換する。
func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// compile-time interface check
var _ WorkspaceRepository = (*PostgresWorkspaceRepo)(nil)
