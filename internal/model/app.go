// Package model はドメインモデルを定義する。
package model

import "time"

// App は追跡対象のApp Storeアプリを表す。
// ステータスと削除フラグはアプリ管理側が変更し、取り込みパイプラインは
// 参照とLastSyncedAtの更新のみを行う。
type App struct {
	ID           string
	WorkspaceID  string
	StoreAppID   string
	Name         string
	Country      string
	Status       AppStatus
	DeletedAt    *time.Time
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AppStatus はアプリのライフサイクル状態を表す。
type AppStatus string

const (
	// AppStatusActive は取り込み対象のアクティブ状態。
	AppStatusActive AppStatus = "ACTIVE"
	// AppStatusPaused は一時停止状態。取り込み対象外。
	AppStatusPaused AppStatus = "PAUSED"
	// AppStatusArchived はアーカイブ状態。取り込み対象外かつアプリ数クォータにも数えない。
	AppStatusArchived AppStatus = "ARCHIVED"
)

// Eligible はアプリがスケジュール取り込みの対象かどうかを返す。
// ACTIVEかつ未削除で、最終同期がcutoffより古い（または未同期）場合にtrue。
func (a *App) Eligible(cutoff time.Time) bool {
	if a.Status != AppStatusActive || a.DeletedAt != nil {
		return false
	}
	return a.LastSyncedAt == nil || a.LastSyncedAt.Before(cutoff)
}
