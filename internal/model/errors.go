// Package model はドメインモデルを定義する。
package model

import "fmt"

// ErrorCode は取り込みパイプライン全体で共有されるエラーコードを表す。
type ErrorCode string

// 定義済みエラーコード
const (
	ErrCodeInvalidAppID       ErrorCode = "INVALID_APP_ID"
	ErrCodeAppNotFound        ErrorCode = "APP_NOT_FOUND"
	ErrCodeAppPaused          ErrorCode = "APP_PAUSED"
	ErrCodeAppArchived        ErrorCode = "APP_ARCHIVED"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodePlanLimitExceeded  ErrorCode = "PLAN_LIMIT_EXCEEDED"
	ErrCodeDailyLimitExceeded ErrorCode = "DAILY_LIMIT_EXCEEDED"
	ErrCodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeAppleAPIError      ErrorCode = "APPLE_API_ERROR"
	ErrCodeAppleRateLimited   ErrorCode = "APPLE_RATE_LIMITED"
	ErrCodeAppleNotFound      ErrorCode = "APPLE_NOT_FOUND"
	ErrCodeAppleTimeout       ErrorCode = "APPLE_TIMEOUT"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeParseError         ErrorCode = "PARSE_ERROR"
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeIngestionCancelled ErrorCode = "INGESTION_CANCELLED"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// AllErrorCodes は定義済みエラーコードの一覧。
// メッセージマッピングの網羅性テストで使用する。
var AllErrorCodes = []ErrorCode{
	ErrCodeInvalidAppID,
	ErrCodeAppNotFound,
	ErrCodeAppPaused,
	ErrCodeAppArchived,
	ErrCodePermissionDenied,
	ErrCodePlanLimitExceeded,
	ErrCodeDailyLimitExceeded,
	ErrCodeRateLimitExceeded,
	ErrCodeAppleAPIError,
	ErrCodeAppleRateLimited,
	ErrCodeAppleNotFound,
	ErrCodeAppleTimeout,
	ErrCodeNetworkError,
	ErrCodeParseError,
	ErrCodeDatabaseError,
	ErrCodeIngestionCancelled,
	ErrCodeInternalError,
}

// DefaultMessage はエラーコードに対応する既定メッセージを返す。
// 新しいコードを追加したら必ずここのマッピングも追加すること。
func (c ErrorCode) DefaultMessage() string {
	switch c {
	case ErrCodeInvalidAppID:
		return "アプリIDの形式が不正です。"
	case ErrCodeAppNotFound:
		return "指定されたアプリが見つかりません。"
	case ErrCodeAppPaused:
		return "アプリは一時停止中のため取り込みをスキップしました。"
	case ErrCodeAppArchived:
		return "アプリはアーカイブ済みのため取り込みをスキップしました。"
	case ErrCodePermissionDenied:
		return "この操作を実行する権限がありません。"
	case ErrCodePlanLimitExceeded:
		return "プランの上限に達しています。"
	case ErrCodeDailyLimitExceeded:
		return "本日の手動取り込み回数の上限に達しています。"
	case ErrCodeRateLimitExceeded:
		return "レートリミットに達したため、残りのページ取得を中断しました。"
	case ErrCodeAppleAPIError:
		return "App Store APIがエラーを返しました。"
	case ErrCodeAppleRateLimited:
		return "App Store API側でリクエストが制限されています。"
	case ErrCodeAppleNotFound:
		return "アプリがApp Storeで見つかりません。削除された可能性があります。"
	case ErrCodeAppleTimeout:
		return "App Store APIへのリクエストがタイムアウトしました。"
	case ErrCodeNetworkError:
		return "ネットワークエラーが発生しました。"
	case ErrCodeParseError:
		return "レビューフィードの解析に失敗しました。"
	case ErrCodeDatabaseError:
		return "データベース操作に失敗しました。"
	case ErrCodeIngestionCancelled:
		return "取り込み処理がタイムアウトまたはキャンセルされました。"
	case ErrCodeInternalError:
		return "予期しないエラーが発生しました。"
	}
	return "予期しないエラーが発生しました。"
}

// Retryable はそのエラーコードがページ単位のリトライ対象かどうかを返す。
// APPLE_NOT_FOUNDはストアからの削除を意味するためリトライしない。
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeNetworkError, ErrCodeAppleTimeout, ErrCodeAppleAPIError,
		ErrCodeAppleRateLimited, ErrCodeParseError:
		return true
	}
	return false
}

// IngestionError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type IngestionError struct {
	Code     ErrorCode // エラーコード
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: auth, validation, quota, ratelimit, provider, storage, system
	Action   string    // ユーザー向け対処方法
	Err      error     // ラップされた下位エラー
}

// Error はerrorインターフェースを実装する。
func (e *IngestionError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はラップされた下位エラーを返す。
func (e *IngestionError) Unwrap() error {
	return e.Err
}

// NewInvalidAppIDError は不正なアプリIDエラーを生成する。
func NewInvalidAppIDError(appID string) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeInvalidAppID,
		Message:  fmt.Sprintf("アプリIDの形式が不正です: %s", appID),
		Category: "validation",
		Action:   "アプリIDを確認してください。",
	}
}

// NewAppNotFoundError はアプリ未検出エラーを生成する。
func NewAppNotFoundError(appID string) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppNotFound,
		Message:  fmt.Sprintf("指定されたアプリが見つかりません: %s", appID),
		Category: "validation",
		Action:   "アプリIDを確認してください。",
	}
}

// NewAppPausedError は一時停止中アプリに対する取り込み要求エラーを生成する。
func NewAppPausedError() *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppPaused,
		Message:  ErrCodeAppPaused.DefaultMessage(),
		Category: "validation",
		Action:   "取り込みを行うにはアプリを再開してください。",
	}
}

// NewAppArchivedError はアーカイブ済みアプリに対する取り込み要求エラーを生成する。
func NewAppArchivedError() *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppArchived,
		Message:  ErrCodeAppArchived.DefaultMessage(),
		Category: "validation",
		Action:   "アーカイブ済みのアプリは取り込み対象外です。",
	}
}

// NewPermissionDeniedError は認証失敗エラーを生成する。
func NewPermissionDeniedError() *IngestionError {
	return &IngestionError{
		Code:     ErrCodePermissionDenied,
		Message:  ErrCodePermissionDenied.DefaultMessage(),
		Category: "auth",
		Action:   "正しいトリガーシークレットを指定してください。",
	}
}

// NewPlanLimitError はプラン上限超過エラーを生成する。
func NewPlanLimitError(metric string, current, limit int) *IngestionError {
	return &IngestionError{
		Code:     ErrCodePlanLimitExceeded,
		Message:  fmt.Sprintf("プランの上限に達しています: %s (現在 %d / 上限 %d)", metric, current, limit),
		Category: "quota",
		Action:   "プランをアップグレードするか、不要なアプリをアーカイブしてください。",
	}
}

// NewDailyLimitError は手動取り込みの日次上限超過エラーを生成する。
func NewDailyLimitError(current, limit int) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeDailyLimitExceeded,
		Message:  fmt.Sprintf("本日の手動取り込み回数の上限に達しています (現在 %d / 上限 %d)", current, limit),
		Category: "quota",
		Action:   "日付が変わってから再度お試しください。",
	}
}

// NewRateLimitExceededError はワークスペースのレートリミット超過エラーを生成する。
func NewRateLimitExceededError(key string) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  fmt.Sprintf("レートリミットに達しました: %s", key),
		Category: "ratelimit",
		Action:   "しばらく待ってから再度お試しください。取得済みのレビューは保存されています。",
	}
}

// NewAppleAPIError はApp Store APIエラーを生成する。
func NewAppleAPIError(statusCode int) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppleAPIError,
		Message:  fmt.Sprintf("App Store APIがエラーを返しました: status=%d", statusCode),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAppleRateLimitedError はApp Store API側のスロットリングエラーを生成する。
func NewAppleRateLimitedError() *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppleRateLimited,
		Message:  ErrCodeAppleRateLimited.DefaultMessage(),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAppleNotFoundError はストア上でアプリが見つからないエラーを生成する。
// このエラーはリトライせず、アプリ単位で伝播する。
func NewAppleNotFoundError(storeAppID string) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppleNotFound,
		Message:  fmt.Sprintf("アプリがApp Storeで見つかりません: %s", storeAppID),
		Category: "provider",
		Action:   "ストア上のアプリIDを確認してください。削除されたアプリはアーカイブしてください。",
	}
}

// NewAppleTimeoutError はApp Store APIのタイムアウトエラーを生成する。
func NewAppleTimeoutError(err error) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeAppleTimeout,
		Message:  ErrCodeAppleTimeout.DefaultMessage(),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewNetworkError はネットワークエラーを生成する。
func NewNetworkError(err error) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeNetworkError,
		Message:  ErrCodeNetworkError.DefaultMessage(),
		Category: "provider",
		Action:   "ネットワーク状態を確認し、しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewParseError はフィード解析失敗エラーを生成する。
func NewParseError(err error) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeParseError,
		Message:  ErrCodeParseError.DefaultMessage(),
		Category: "provider",
		Action:   "問題が続く場合はフィード形式の設定を確認してください。",
		Err:      err,
	}
}

// NewDatabaseError はデータベース操作失敗エラーを生成する。
func NewDatabaseError(err error) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeDatabaseError,
		Message:  ErrCodeDatabaseError.DefaultMessage(),
		Category: "storage",
		Action:   "時間をおいて再度お試しください。問題が続く場合は管理者に連絡してください。",
		Err:      err,
	}
}

// NewIngestionCancelledError は実行期限超過またはキャンセルのエラーを生成する。
func NewIngestionCancelledError() *IngestionError {
	return &IngestionError{
		Code:     ErrCodeIngestionCancelled,
		Message:  ErrCodeIngestionCancelled.DefaultMessage(),
		Category: "system",
		Action:   "取得済みのレビューは保存されています。再実行すると続きから取り込まれます。",
	}
}

// NewInternalError は予期しない内部エラーを生成する。
func NewInternalError(err error) *IngestionError {
	return &IngestionError{
		Code:     ErrCodeInternalError,
		Message:  ErrCodeInternalError.DefaultMessage(),
		Category: "system",
		Action:   "時間をおいて再度お試しください。問題が続く場合は管理者に連絡してください。",
		Err:      err,
	}
}
