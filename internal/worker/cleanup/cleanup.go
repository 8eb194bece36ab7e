// Package cleanup は取り込み実行履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過した終端状態の実行レコードを
// 日次バッチで削除する。実行中の実行レコードは削除対象にならない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/reviewman/internal/repository"
)

// CleanupJob は保持期間を超過した実行履歴の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	runRepo       repository.RunRepository
	logger        *slog.Logger
	RetentionDays int // 実行履歴の保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は180日。
func NewCleanupJob(runRepo repository.RunRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		runRepo:       runRepo,
		logger:        logger,
		RetentionDays: 180,
	}
}

// Run は保持期間を超過した終端状態の実行レコードを削除する。
// completed_atがRetentionDays日前より古い実行をDELETEする。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.runRepo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("実行履歴クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("実行履歴クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("実行履歴クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
