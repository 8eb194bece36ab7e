package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/reviewman/internal/model"
)

// BatchRunner は取り込みバッチの実行インターフェース。
type BatchRunner interface {
	// RunBatch は取り込みバッチを1回実行する。
	RunBatch(ctx context.Context, trigger model.RunTrigger) (BatchResult, error)
}

// Scheduler は取り込みバッチの定期実行を行う。
// cron式に従ってバッチを起動し、前回のバッチが実行中の場合はスキップする。
type Scheduler struct {
	runner  BatchRunner
	logger  *slog.Logger
	cron    *cron.Cron
	running atomic.Bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner BatchRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		logger: logger,
		cron:   cron.New(),
	}
}

// DefaultCronSpec は同期間隔からcron式を導出する。
// INGEST_CRON未設定時のフォールバックとして使う。
func DefaultCronSpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// Start は指定cron式でスケジューラを起動する。
// cron式が不正な場合はエラーを返す。
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("定期取り込みバッチの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("cron式の登録に失敗: %w", err)
	}

	s.cron.Start()
	s.logger.Info("取り込みスケジューラを開始しました",
		slog.String("cron", spec),
	)
	return nil
}

// Stop はスケジューラを停止し、実行中のジョブの完了を待つ。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("取り込みスケジューラを停止しました")
}

// RunOnce は取り込みバッチを1回実行する。
// 前回のバッチがまだ実行中の場合は今回の起動をスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("前回の取り込みバッチが実行中のためスキップします")
		return nil
	}
	defer s.running.Store(false)

	result, err := s.runner.RunBatch(ctx, model.RunTriggerScheduled)
	if err != nil {
		return err
	}

	s.logger.Info("定期取り込みバッチが完了しました",
		slog.Int("total", result.Total),
		slog.Int("completed", result.Completed),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
	)
	return nil
}
