package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/reviewman/internal/model"
)

// PostgresReviewRepo はPostgreSQLを使用したレビューリポジトリ。
// レビューは作成のみ可能で、UPDATE・DELETEの経路は存在しない。
type PostgresReviewRepo struct {
	db *sql.DB
}

// NewPostgresReviewRepo はPostgresReviewRepoを生成する。
func NewPostgresReviewRepo(db *sql.DB) *PostgresReviewRepo {
	return &PostgresReviewRepo{db: db}
}

// ExistsByExternalID は(app_id, external_review_id)のレビューが存在するかを返す。
func (r *PostgresReviewRepo) ExistsByExternalID(ctx context.Context, appID, externalReviewID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM reviews WHERE app_id = $1 AND external_review_id = $2
		 )`,
		appID, externalReviewID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("レビューの既存確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CreateBatch はレビューを1回の複数行INSERTで一括作成し、実際に挿入された件数を返す。
// 重複排除キー(app_id, external_review_id)の衝突行はON CONFLICT DO NOTHINGで
// スキップされ、挿入件数に含まれない。既存行が書き換えられることはない。
func (r *PostgresReviewRepo) CreateBatch(ctx context.Context, reviews []*model.Review) (int, error) {
	if len(reviews) == 0 {
		return 0, nil
	}

	const columnsPerRow = 9
	placeholders := make([]string, 0, len(reviews))
	args := make([]any, 0, len(reviews)*columnsPerRow)

	for i, review := range reviews {
		base := i * columnsPerRow
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			review.ID, review.AppID, review.ExternalReviewID, review.Author,
			review.Rating, review.Title, review.Body, review.ReviewedAt,
			review.SortOrder,
		)
	}

	query := `INSERT INTO reviews (id, app_id, external_review_id, author,
	                               rating, title, body, reviewed_at, sort_order)
	          VALUES ` + strings.Join(placeholders, ", ") + `
	          ON CONFLICT (app_id, external_review_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("レビューの一括作成に失敗しました: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}

	return int(inserted), nil
}

// CountByAppID は指定アプリの保存済みレビュー数を返す。
func (r *PostgresReviewRepo) CountByAppID(ctx context.Context, appID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviews WHERE app_id = $1`,
		appID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("レビュー数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ ReviewRepository = (*PostgresReviewRepo)(nil)
