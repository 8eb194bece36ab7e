package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/reviewman/internal/appstore"
	"github.com/hitoshi/reviewman/internal/metrics"
	"github.com/hitoshi/reviewman/internal/model"
	"github.com/hitoshi/reviewman/internal/review"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestCollector() metrics.MetricsCollector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func testApp() *model.App {
	return &model.App{
		ID:          "app-1",
		WorkspaceID: "ws-1",
		StoreAppID:  "123456",
		Name:        "",
		Country:     "jp",
		Status:      model.AppStatusActive,
	}
}

// scriptedClient はページごとの応答を台本で制御するPageFetcherモック。
type scriptedClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, sort model.SortOrder, page int) (*appstore.Page, error)
}

func (c *scriptedClient) FetchPage(_ context.Context, _ *model.App, sort model.SortOrder, page int) (*appstore.Page, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	return c.fn(call, sort, page)
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// mockPersister はReviewPersisterのテスト用モック。
// 渡されたレビューを全件新規として数える。
type mockPersister struct {
	mu      sync.Mutex
	batches [][]*model.Review
	err     error
}

func (m *mockPersister) Persist(_ context.Context, _ string, reviews []*model.Review) (review.PersistResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return review.PersistResult{}, m.err
	}
	m.batches = append(m.batches, reviews)
	return review.PersistResult{New: len(reviews)}, nil
}

func (m *mockPersister) persistedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.batches {
		total += len(b)
	}
	return total
}

// countingLimiter は指定回数まで許可するWorkspaceLimiterモック。
type countingLimiter struct {
	mu      sync.Mutex
	allowed int
	calls   int
}

func (l *countingLimiter) Allow(_ string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls <= l.allowed
}

func allowAll() *countingLimiter {
	return &countingLimiter{allowed: 1 << 30}
}

// pageWithReviews は指定ID群のレビューを持つページを生成する。
func pageWithReviews(appName string, ids ...string) *appstore.Page {
	page := &appstore.Page{AppName: appName}
	for _, id := range ids {
		page.Reviews = append(page.Reviews, appstore.FetchedReview{
			ExternalID: id,
			Author:     "tester",
			Rating:     5,
			Title:      "title " + id,
			Body:       "body " + id,
			UpdatedAt:  time.Now(),
		})
	}
	return page
}

func newTestFetcher(client PageFetcher, persister ReviewPersister, limiter WorkspaceLimiter, maxPages int) *SourceFetcher {
	var buf bytes.Buffer
	f := NewSourceFetcher(client, persister, limiter, newTestCollector(), newTestLogger(&buf), maxPages, 0)
	f.backoff = func(int) time.Duration { return 0 }
	return f
}

func TestSourceFetcher_StopsOnEmptyPage(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, page int) (*appstore.Page, error) {
		if page == 1 {
			return pageWithReviews("MyApp", "r1", "r2", "r3"), nil
		}
		return pageWithReviews("MyApp"), nil
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if result.PagesProcessed != 2 {
		t.Errorf("PagesProcessed = %d, want 2", result.PagesProcessed)
	}
	if result.ReviewsFetched != 3 {
		t.Errorf("ReviewsFetched = %d, want 3", result.ReviewsFetched)
	}
	if result.ReviewsNew != 3 {
		t.Errorf("ReviewsNew = %d, want 3", result.ReviewsNew)
	}
	if result.AppName != "MyApp" {
		t.Errorf("AppName = %q, want %q", result.AppName, "MyApp")
	}
}

func TestSourceFetcher_StopsOnRepeatOnlyPage(t *testing.T) {
	// 2ページ目が1ページ目と同じIDのみ = フィードが先頭に巻き戻った
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, page int) (*appstore.Page, error) {
		return pageWithReviews("MyApp", "r1", "r2"), nil
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if result.PagesProcessed != 2 {
		t.Errorf("PagesProcessed = %d, want 2", result.PagesProcessed)
	}
	if result.ReviewsFetched != 2 {
		t.Errorf("ReviewsFetched = %d, want 2", result.ReviewsFetched)
	}
	if got := persister.persistedCount(); got != 2 {
		t.Errorf("persisted = %d, want 2", got)
	}
}

func TestSourceFetcher_MixedPagePersistsOnlyUnseen(t *testing.T) {
	// 2ページ目に既出IDと新規IDが混在する場合、新規分のみ保存する
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, page int) (*appstore.Page, error) {
		switch page {
		case 1:
			return pageWithReviews("MyApp", "r1", "r2"), nil
		case 2:
			return pageWithReviews("MyApp", "r2", "r3"), nil
		default:
			return pageWithReviews("MyApp"), nil
		}
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if result.ReviewsFetched != 3 {
		t.Errorf("ReviewsFetched = %d, want 3", result.ReviewsFetched)
	}
	if got := persister.persistedCount(); got != 3 {
		t.Errorf("persisted = %d, want 3", got)
	}
}

func TestSourceFetcher_StopsAtBudget(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, page int) (*appstore.Page, error) {
		return pageWithReviews("MyApp",
			fmt.Sprintf("p%d-r1", page),
			fmt.Sprintf("p%d-r2", page),
			fmt.Sprintf("p%d-r3", page),
		), nil
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, 4)

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	// 1ページ目3件 + 2ページ目は残り1件に切り詰め
	if result.ReviewsFetched != 4 {
		t.Errorf("ReviewsFetched = %d, want 4", result.ReviewsFetched)
	}
	if result.PagesProcessed != 2 {
		t.Errorf("PagesProcessed = %d, want 2", result.PagesProcessed)
	}
	if got := persister.persistedCount(); got != 4 {
		t.Errorf("persisted = %d, want 4", got)
	}
}

func TestSourceFetcher_ZeroBudgetFetchesNothing(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, _ int) (*appstore.Page, error) {
		return pageWithReviews("MyApp", "r1"), nil
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, 0)

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if client.callCount() != 0 {
		t.Errorf("calls = %d, want 0", client.callCount())
	}
	if result.PagesProcessed != 0 {
		t.Errorf("PagesProcessed = %d, want 0", result.PagesProcessed)
	}
}

func TestSourceFetcher_RateLimitDenyKeepsPartials(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, page int) (*appstore.Page, error) {
		return pageWithReviews("MyApp", fmt.Sprintf("p%d-r1", page), fmt.Sprintf("p%d-r2", page)), nil
	}}
	persister := &mockPersister{}
	limiter := &countingLimiter{allowed: 1}

	f := newTestFetcher(client, persister, limiter, 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err == nil {
		t.Fatal("レートリミット拒否時はErrが設定されるべき")
	}
	if result.Err.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("Err.Code = %s, want %s", result.Err.Code, model.ErrCodeRateLimitExceeded)
	}
	// 拒否前の1ページ分は保存されている
	if result.ReviewsFetched != 2 {
		t.Errorf("ReviewsFetched = %d, want 2", result.ReviewsFetched)
	}
	if got := persister.persistedCount(); got != 2 {
		t.Errorf("persisted = %d, want 2", got)
	}
}

func TestSourceFetcher_RetryAttemptsConsumeRateLimit(t *testing.T) {
	// ページ1が失敗し続ける。試行ごとにトークンを1つ消費するため、
	// 2トークンでは3回目の試行前に拒否される。
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, _ int) (*appstore.Page, error) {
		return nil, model.NewNetworkError(errors.New("conn reset"))
	}}
	persister := &mockPersister{}
	limiter := &countingLimiter{allowed: 2}

	f := newTestFetcher(client, persister, limiter, 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err == nil {
		t.Fatal("トークン枯渇時はErrが設定されるべき")
	}
	if result.Err.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("Err.Code = %s, want %s", result.Err.Code, model.ErrCodeRateLimitExceeded)
	}
	// 許可された2トークン分だけ外部リクエストが発行される
	if client.callCount() != 2 {
		t.Errorf("calls = %d, want 2", client.callCount())
	}
}

func TestSourceFetcher_RetriesThenSucceeds(t *testing.T) {
	// 2回失敗後に成功するページ
	client := &scriptedClient{fn: func(call int, _ model.SortOrder, page int) (*appstore.Page, error) {
		if page == 1 && call <= 2 {
			return nil, model.NewNetworkError(errors.New("conn reset"))
		}
		if page == 1 {
			return pageWithReviews("MyApp", "r1"), nil
		}
		return pageWithReviews("MyApp"), nil
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if result.ReviewsFetched != 1 {
		t.Errorf("ReviewsFetched = %d, want 1", result.ReviewsFetched)
	}
	// page1に3回 + page2に1回
	if client.callCount() != 4 {
		t.Errorf("calls = %d, want 4", client.callCount())
	}
}

func TestSourceFetcher_RetryExhaustionFailsSource(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, _ int) (*appstore.Page, error) {
		return nil, model.NewAppleAPIError(500)
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err == nil {
		t.Fatal("リトライ枯渇後はErrが設定されるべき")
	}
	if result.Err.Code != model.ErrCodeAppleAPIError {
		t.Errorf("Err.Code = %s, want %s", result.Err.Code, model.ErrCodeAppleAPIError)
	}
	if client.callCount() != maxFetchAttempts {
		t.Errorf("calls = %d, want %d", client.callCount(), maxFetchAttempts)
	}
}

func TestSourceFetcher_NotFoundNeverRetried(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, _ int) (*appstore.Page, error) {
		return nil, model.NewAppleNotFoundError("123456")
	}}
	persister := &mockPersister{}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err == nil || result.Err.Code != model.ErrCodeAppleNotFound {
		t.Fatalf("Err = %v, want APPLE_NOT_FOUND", result.Err)
	}
	if client.callCount() != 1 {
		t.Errorf("calls = %d, want 1（リトライなし）", client.callCount())
	}
}

func TestSourceFetcher_PersistFailureReturnsDatabaseError(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, _ int) (*appstore.Page, error) {
		return pageWithReviews("MyApp", "r1"), nil
	}}
	persister := &mockPersister{err: errors.New("connection lost")}

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(context.Background(), testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err == nil || result.Err.Code != model.ErrCodeDatabaseError {
		t.Fatalf("Err = %v, want DATABASE_ERROR", result.Err)
	}
}

func TestSourceFetcher_CancelledContextStopsImmediately(t *testing.T) {
	client := &scriptedClient{fn: func(_ int, _ model.SortOrder, _ int) (*appstore.Page, error) {
		return pageWithReviews("MyApp", "r1"), nil
	}}
	persister := &mockPersister{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(client, persister, allowAll(), 10)
	result := f.FetchSource(ctx, testApp(), model.SortOrderMostRecent, model.Unlimited)

	if result.Err == nil || result.Err.Code != model.ErrCodeIngestionCancelled {
		t.Fatalf("Err = %v, want INGESTION_CANCELLED", result.Err)
	}
	if client.callCount() != 0 {
		t.Errorf("calls = %d, want 0", client.callCount())
	}
}

func TestConvertFetchedReviews_MapsAllFields(t *testing.T) {
	now := time.Now()
	fetched := []appstore.FetchedReview{
		{ExternalID: "ext-1", Author: "alice", Rating: 4, Title: "Good", Body: "Nice app", UpdatedAt: now},
	}

	reviews := convertFetchedReviews("app-9", model.SortOrderMostHelpful, fetched)

	if len(reviews) != 1 {
		t.Fatalf("len = %d, want 1", len(reviews))
	}
	r := reviews[0]
	if r.AppID != "app-9" {
		t.Errorf("AppID = %q, want %q", r.AppID, "app-9")
	}
	if r.ExternalReviewID != "ext-1" {
		t.Errorf("ExternalReviewID = %q, want %q", r.ExternalReviewID, "ext-1")
	}
	if r.SortOrder != model.SortOrderMostHelpful {
		t.Errorf("SortOrder = %q, want %q", r.SortOrder, model.SortOrderMostHelpful)
	}
	if !r.ReviewedAt.Equal(now) {
		t.Errorf("ReviewedAt = %v, want %v", r.ReviewedAt, now)
	}
}
