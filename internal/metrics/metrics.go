// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordRunStarted()
	RecordRunFinished(state string)
	RecordPageFetched()
	RecordFetchFailure(code string)
	RecordFetchLatency(duration time.Duration)
	RecordReviews(fetched, newCount, duplicate int)
	RecordRateLimitHit(workspaceID string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runsInFlight     prometheus.Gauge
	runsTotal        *prometheus.CounterVec
	pagesFetched     prometheus.Counter
	fetchFailures    *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	reviewsFetched   prometheus.Counter
	reviewsNew       prometheus.Counter
	reviewsDuplicate prometheus.Counter
	rateLimitHits    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewman_runs_in_flight",
			Help: "実行中の取り込み数",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewman_runs_total",
			Help: "終端状態別の取り込み実行の合計数",
		}, []string{"state"}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewman_pages_fetched_total",
			Help: "フェッチしたレビューフィードページの合計数",
		}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewman_fetch_failures_total",
			Help: "エラーコード別のページフェッチ失敗の合計数",
		}, []string{"code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reviewman_fetch_latency_seconds",
			Help:    "レビューフィードページフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		reviewsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewman_reviews_fetched_total",
			Help: "フィードから取得したレビューの合計数",
		}),
		reviewsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewman_reviews_new_total",
			Help: "新規に保存したレビューの合計数",
		}),
		reviewsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewman_reviews_duplicate_total",
			Help: "重複によりスキップしたレビューの合計数",
		}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewman_rate_limit_hits_total",
			Help: "ワークスペースのレートリミット到達の合計数",
		}),
	}

	reg.MustRegister(
		c.runsInFlight,
		c.runsTotal,
		c.pagesFetched,
		c.fetchFailures,
		c.fetchLatency,
		c.reviewsFetched,
		c.reviewsNew,
		c.reviewsDuplicate,
		c.rateLimitHits,
	)

	return c
}

// RecordRunStarted は取り込み実行の開始を記録する。
func (c *Collector) RecordRunStarted() {
	c.runsInFlight.Inc()
}

// RecordRunFinished は取り込み実行の終端状態を記録する。
func (c *Collector) RecordRunFinished(state string) {
	c.runsInFlight.Dec()
	c.runsTotal.WithLabelValues(state).Inc()
}

// RecordPageFetched はページフェッチ成功を記録する。
func (c *Collector) RecordPageFetched() {
	c.pagesFetched.Inc()
}

// RecordFetchFailure はページフェッチ失敗をエラーコード別に記録する。
func (c *Collector) RecordFetchFailure(code string) {
	c.fetchFailures.WithLabelValues(code).Inc()
}

// RecordFetchLatency はページフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordReviews はレビューの取得・保存・重複の件数を記録する。
func (c *Collector) RecordReviews(fetched, newCount, duplicate int) {
	c.reviewsFetched.Add(float64(fetched))
	c.reviewsNew.Add(float64(newCount))
	c.reviewsDuplicate.Add(float64(duplicate))
}

// RecordRateLimitHit はワークスペースのレートリミット到達を記録する。
func (c *Collector) RecordRateLimitHit(workspaceID string) {
	c.rateLimitHits.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
