// Package model はドメインモデルを定義する。
package model

import "time"

// Review は外部ストアから取得したカスタマーレビューを表す。
// (AppID, ExternalReviewID) が重複排除キーであり、保存後は不変。
type Review struct {
	ID               string
	AppID            string
	ExternalReviewID string
	Author           string
	Rating           int
	Title            string
	Body             string
	ReviewedAt       time.Time
	SortOrder        SortOrder
	CreatedAt        time.Time
}

// SortOrder はレビューフィードのソート順を表す。
type SortOrder string

const (
	// SortOrderMostRecent は新着順フィード。
	SortOrderMostRecent SortOrder = "mostrecent"
	// SortOrderMostHelpful は参考になった順フィード。
	SortOrderMostHelpful SortOrder = "mosthelpful"
)

// DefaultSortOrders は1回の取り込みで巡回するソート順の既定セット。
var DefaultSortOrders = []SortOrder{SortOrderMostRecent, SortOrderMostHelpful}

// ValidRating はレーティングが1〜5の範囲内かどうかを返す。
func ValidRating(rating int) bool {
	return rating >= 1 && rating <= 5
}
