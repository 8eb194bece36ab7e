// Package model はドメインモデルを定義する。
package model

import "time"

// IngestionRun は1アプリに対する1回の取り込み実行を表す。
// Batch Runnerのみが状態を遷移させ、終端状態に達した後は不変。
type IngestionRun struct {
	ID               string
	AppID            string
	WorkspaceID      string
	Trigger          RunTrigger
	State            RunState
	StartedAt        time.Time
	CompletedAt      *time.Time
	ReviewsFetched   int
	ReviewsNew       int
	ReviewsDuplicate int
	PagesProcessed   int
	ErrorCode        ErrorCode
	CreatedAt        time.Time
}

// RunState は取り込み実行の状態を表す。
// PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED} の順にのみ遷移する。
type RunState string

const (
	// RunStatePending は作成直後の待機状態。
	RunStatePending RunState = "PENDING"
	// RunStateRunning は実行中状態。
	RunStateRunning RunState = "RUNNING"
	// RunStateCompleted は全ソース成功の終端状態。
	RunStateCompleted RunState = "COMPLETED"
	// RunStateFailed は全ソース失敗または中断の終端状態。
	RunStateFailed RunState = "FAILED"
	// RunStateCancelled は外部からのキャンセルによる終端状態。
	RunStateCancelled RunState = "CANCELLED"
)

// Terminal はこの状態が終端状態かどうかを返す。
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// RunTrigger は取り込み実行の起動要因を表す。
type RunTrigger string

const (
	// RunTriggerScheduled はスケジューラによる定期起動。
	RunTriggerScheduled RunTrigger = "scheduled"
	// RunTriggerManual はUIまたはAPIからの手動起動。日次回数制限の対象。
	RunTriggerManual RunTrigger = "manual"
)
