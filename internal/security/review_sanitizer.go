// Package security は外部フィード取得まわりのセキュリティ機能を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ReviewSanitizerService はレビューテキストのサニタイズ機能のインターフェースを定義する。
// レビューのタイトルと本文はユーザー生成コンテンツであり、後段のダッシュボードで
// 表示されるため、保存前に必ずサニタイズする。
type ReviewSanitizerService interface {
	// Sanitize はレビューテキストからすべてのHTMLマークアップを除去し、
	// プレーンテキストを返す。
	// レビューフィードは本来プレーンテキストだが、プロバイダ側のエスケープ漏れや
	// 悪意ある投稿に備えてタグを一切許可しない。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// reviewSanitizer はReviewSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type reviewSanitizer struct {
	policy *bluemonday.Policy
}

// NewReviewSanitizer はReviewSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyによりすべてのタグと属性が除去される。
func NewReviewSanitizer() *reviewSanitizer {
	return &reviewSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はレビューテキストをサニタイズしてプレーンテキストを返す。
// bluemondayはタグ除去後にHTMLエンティティをエスケープした状態で返すため、
// プレーンテキストとして保存できるようアンエスケープしてから前後の空白を除去する。
func (s *reviewSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	sanitized := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(sanitized))
}
