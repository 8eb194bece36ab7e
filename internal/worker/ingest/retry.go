package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/reviewman/internal/model"
)

const (
	// maxFetchAttempts はページ単位の最大試行回数（初回+リトライ2回）。
	maxFetchAttempts = 3
	// initialBackoff はページリトライの初回遅延（1秒）。
	initialBackoff = 1 * time.Second
)

// FetchBackoff はページフェッチの試行回数に応じたリトライ遅延を返す。
// 失敗回数1回目は1秒、以降2倍ずつ増加する（1s, 2s, 4s）。
func FetchBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
	}
	return delay
}

// ShouldRetryFetch はページフェッチのエラーがリトライ対象かどうかを返す。
// *model.IngestionError以外のエラーはリトライしない。
func ShouldRetryFetch(err error) bool {
	var ingErr *model.IngestionError
	if !errors.As(err, &ingErr) {
		return false
	}
	return ingErr.Code.Retryable()
}

// sleepCtx はコンテキストのキャンセルを尊重して指定時間待機する。
// キャンセルされた場合はコンテキストのエラーを返す。
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
