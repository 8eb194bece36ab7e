// Package review はレビューの重複排除と永続化を提供する。
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/reviewman/internal/model"
	"github.com/hitoshi/reviewman/internal/repository"
	"github.com/hitoshi/reviewman/internal/security"
)

// PersistResult は永続化の結果カウンタを表す。
type PersistResult struct {
	New       int
	Duplicate int
}

// Persister はレビューの重複排除付き保存を提供する。
// 重複判定キーは(app_id, external_review_id)。既存レビューは更新も削除もされない。
// 同一入力で再実行しても保存結果は変わらない（冪等）。
type Persister struct {
	reviewRepo repository.ReviewRepository
	sanitizer  security.ReviewSanitizerService
}

// NewPersister はPersisterの新しいインスタンスを生成する。
func NewPersister(reviewRepo repository.ReviewRepository, sanitizer security.ReviewSanitizerService) *Persister {
	return &Persister{
		reviewRepo: reviewRepo,
		sanitizer:  sanitizer,
	}
}

// Persist はフェッチ済みレビューをアプリに紐付けて保存する。
// 各レビューについて(appID, externalReviewID)で既存確認を行い、
// 未保存のものだけをページ単位の一括INSERTで挿入する。
// 既存確認後に並行挿入された行は一括INSERT側の衝突スキップで吸収されるため、
// 重複ページを含む再実行でも行が二重に作られることはない。
func (p *Persister) Persist(ctx context.Context, appID string, reviews []*model.Review) (PersistResult, error) {
	result := PersistResult{}
	if len(reviews) == 0 {
		return result, nil
	}

	now := time.Now()
	batch := make([]*model.Review, 0, len(reviews))
	seen := make(map[string]struct{}, len(reviews))

	for _, review := range reviews {
		if review.ExternalReviewID == "" {
			slog.Warn("外部レビューIDが空のため保存をスキップしました",
				slog.String("app_id", appID),
			)
			continue
		}
		if !model.ValidRating(review.Rating) {
			slog.Warn("レーティングが範囲外のため保存をスキップしました",
				slog.String("app_id", appID),
				slog.String("external_review_id", review.ExternalReviewID),
				slog.Int("rating", review.Rating),
			)
			continue
		}

		// 同一ページ内の重複もここで排除する
		if _, ok := seen[review.ExternalReviewID]; ok {
			result.Duplicate++
			continue
		}
		seen[review.ExternalReviewID] = struct{}{}

		exists, err := p.reviewRepo.ExistsByExternalID(ctx, appID, review.ExternalReviewID)
		if err != nil {
			return result, fmt.Errorf("レビューの既存確認に失敗: %w", err)
		}
		if exists {
			result.Duplicate++
			continue
		}

		review.ID = uuid.New().String()
		review.AppID = appID
		review.Title = p.sanitizer.Sanitize(review.Title)
		review.Body = p.sanitizer.Sanitize(review.Body)
		review.CreatedAt = now
		batch = append(batch, review)
	}

	if len(batch) == 0 {
		return result, nil
	}

	inserted, err := p.reviewRepo.CreateBatch(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("レビューの一括挿入に失敗: %w", err)
	}

	result.New = inserted
	// 衝突スキップされた行は既存確認とINSERTの間に並行挿入されたもの
	result.Duplicate += len(batch) - inserted

	slog.Info("レビューの保存が完了しました",
		slog.String("app_id", appID),
		slog.Int("reviews_new", result.New),
		slog.Int("reviews_duplicate", result.Duplicate),
	)

	return result, nil
}
