// Package appstore はApp StoreカスタマーレビューRSSフィードのクライアントを提供する。
// JSON形式とAtom(XML)形式の両方のフィードに対応する。
package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/reviewman/internal/model"
)

// フィード形式の指定値。
const (
	FormatJSON = "json"
	FormatAtom = "atom"
)

const (
	// defaultBaseURL はiTunes RSSフィードのベースURL。
	defaultBaseURL = "https://itunes.apple.com"
	// maxBodySize はレスポンスボディの最大読み取りサイズ（5MB）。
	maxBodySize = 5 * 1024 * 1024
	// appNameSuffix はフィードタイトルに付与されるサフィックス。
	// 除去した残りがストア上のアプリ表示名になる。
	appNameSuffix = " Customer Reviews"
)

// FetchedReview はフィードから取得した1件のレビューを表す。
// 保存前の中間表現であり、永続化時にmodel.Reviewへ変換される。
type FetchedReview struct {
	ExternalID string
	Author     string
	Rating     int
	Title      string
	Body       string
	UpdatedAt  time.Time
}

// Page は1ページ分のフェッチ結果を表す。
// レビューが0件のページはフィードの終端を意味する（エラーではない）。
type Page struct {
	AppName string
	Reviews []FetchedReview
}

// Client はApp StoreレビューフィードのHTTPクライアント。
// 1回の呼び出しで1ページを取得する。ページネーションの制御は呼び出し側が行う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	format     string
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡すことを想定している。
// formatはFormatJSONまたはFormatAtomを指定する。
func NewClient(httpClient *http.Client, logger *slog.Logger, format string) *Client {
	if format != FormatJSON && format != FormatAtom {
		format = FormatJSON
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		format:     format,
		baseURL:    defaultBaseURL,
	}
}

// FeedURL はアプリ・ソート順・ページ番号に対応するフィードURLを構築する。
// 形式: {base}/{country}/rss/customerreviews/page={N}/id={storeAppID}/sortby={sort}/{json|xml}
func (c *Client) FeedURL(country, storeAppID string, sort model.SortOrder, page int) string {
	suffix := "json"
	if c.format == FormatAtom {
		suffix = "xml"
	}
	return fmt.Sprintf("%s/%s/rss/customerreviews/page=%d/id=%s/sortby=%s/%s",
		c.baseURL, country, page, storeAppID, sort, suffix)
}

// FetchPage は指定アプリのレビューフィードを1ページ取得してパースする。
// 失敗時は*model.IngestionErrorとしてエラーコードを分類して返す:
// 404はAPPLE_NOT_FOUND、429はAPPLE_RATE_LIMITED、その他の非2xxはAPPLE_API_ERROR、
// タイムアウトはAPPLE_TIMEOUT、接続エラーはNETWORK_ERROR、パース失敗はPARSE_ERROR。
func (c *Client) FetchPage(ctx context.Context, app *model.App, sort model.SortOrder, page int) (*Page, error) {
	url := c.FeedURL(app.Country, app.StoreAppID, sort, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.NewInternalError(fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	req.Header.Set("User-Agent", "Reviewman/1.0 Review Tracker")
	req.Header.Set("Accept", "application/json, application/atom+xml, application/xml, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewAppleNotFoundError(app.StoreAppID)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.NewAppleRateLimitedError()
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, model.NewAppleAPIError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if c.format == FormatAtom {
		return decodeAtomFeed(body)
	}
	return decodeJSONFeed(body)
}

// classifyTransportError はHTTP実行時のエラーをタイムアウトと接続エラーに分類する。
func classifyTransportError(err error) *model.IngestionError {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewAppleTimeoutError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewAppleTimeoutError(err)
	}
	return model.NewNetworkError(err)
}

// --- JSON形式のデコード ---

// iTunes RSSのJSON形式は全フィールドが {"label": "..."} でラップされている。
type jsonLabel struct {
	Label string `json:"label"`
}

type jsonAuthor struct {
	Name jsonLabel `json:"name"`
}

type jsonEntry struct {
	ID      jsonLabel  `json:"id"`
	Author  jsonAuthor `json:"author"`
	Rating  jsonLabel  `json:"im:rating"`
	Title   jsonLabel  `json:"title"`
	Content jsonLabel  `json:"content"`
	Updated jsonLabel  `json:"updated"`
}

type jsonFeedEnvelope struct {
	Feed struct {
		Title jsonLabel       `json:"title"`
		Entry json.RawMessage `json:"entry"`
	} `json:"feed"`
}

// decodeJSONFeed はJSON形式のレビューフィードをデコードする。
// entryはページに1件しかない場合、配列ではなく単一オブジェクトで返ることがある。
// 先頭エントリがアプリ自身のサマリーレコード（im:ratingなし）の場合はスキップする。
func decodeJSONFeed(body []byte) (*Page, error) {
	var envelope jsonFeedEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, model.NewParseError(fmt.Errorf("フィードJSONのデコードに失敗: %w", err))
	}

	page := &Page{
		AppName: strings.TrimSuffix(envelope.Feed.Title.Label, appNameSuffix),
	}

	raw := envelope.Feed.Entry
	if len(raw) == 0 || string(raw) == "null" {
		// entryなし = フィード終端
		return page, nil
	}

	var entries []jsonEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// 単一オブジェクトの場合をフォールバックで試す
		var single jsonEntry
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, model.NewParseError(fmt.Errorf("フィードentryのデコードに失敗: %w", err))
		}
		entries = []jsonEntry{single}
	}

	for _, entry := range entries {
		// im:ratingのないエントリはアプリのサマリーレコード
		if entry.Rating.Label == "" {
			continue
		}
		review := FetchedReview{
			ExternalID: entry.ID.Label,
			Author:     entry.Author.Name.Label,
			Title:      entry.Title.Label,
			Body:       entry.Content.Label,
		}
		if rating, err := strconv.Atoi(entry.Rating.Label); err == nil {
			review.Rating = rating
		}
		if t, err := time.Parse(time.RFC3339, entry.Updated.Label); err == nil {
			review.UpdatedAt = t
		}
		page.Reviews = append(page.Reviews, review)
	}

	return page, nil
}

// --- Atom(XML)形式のデコード ---

// decodeAtomFeed はAtom形式のレビューフィードをgofeedでデコードする。
// レーティングはitunes名前空間の拡張要素im:ratingから読み取る。
func decodeAtomFeed(body []byte) (*Page, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, model.NewParseError(fmt.Errorf("Atomフィードのパースに失敗: %w", err))
	}

	page := &Page{
		AppName: strings.TrimSuffix(feed.Title, appNameSuffix),
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		rating := itemExtensionValue(item, "im", "rating")
		if rating == "" {
			// レーティングのないエントリはアプリのサマリーレコード
			continue
		}

		review := FetchedReview{
			ExternalID: item.GUID,
			Title:      item.Title,
			Body:       item.Content,
		}
		if review.Body == "" {
			review.Body = item.Description
		}
		if item.Author != nil {
			review.Author = item.Author.Name
		}
		if review.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			review.Author = item.Authors[0].Name
		}
		if r, err := strconv.Atoi(rating); err == nil {
			review.Rating = r
		}
		if item.UpdatedParsed != nil {
			review.UpdatedAt = *item.UpdatedParsed
		}

		page.Reviews = append(page.Reviews, review)
	}

	return page, nil
}

// itemExtensionValue は記事の名前空間付き拡張要素の値を取得する。
func itemExtensionValue(item *gofeed.Item, namespace, name string) string {
	exts, ok := item.Extensions[namespace]
	if !ok {
		return ""
	}
	values, ok := exts[name]
	if !ok || len(values) == 0 {
		return ""
	}
	return values[0].Value
}
