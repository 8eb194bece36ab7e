package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/reviewman/internal/model"
)

// PostgresAppRepo はPostgreSQLを使用したアプリリポジトリ。
type PostgresAppRepo struct {
	db *sql.DB
}

// NewPostgresAppRepo はPostgresAppRepoを生成する。
func NewPostgresAppRepo(db *sql.DB) *PostgresAppRepo {
	return &PostgresAppRepo{db: db}
}

// appColumns はアプリ行のSELECT対象カラム。
const appColumns = `id, workspace_id, store_app_id, name, country, status,
	        deleted_at, last_synced_at, created_at, updated_at`

// scanApp は1行分のアプリをスキャンする。
func scanApp(scanner interface{ Scan(...any) error }) (*model.App, error) {
	app := &model.App{}
	var deletedAt, lastSyncedAt sql.NullTime

	if err := scanner.Scan(
		&app.ID, &app.WorkspaceID, &app.StoreAppID, &app.Name, &app.Country, &app.Status,
		&deletedAt, &lastSyncedAt, &app.CreatedAt, &app.UpdatedAt,
	); err != nil {
		return nil, err
	}

	app.DeletedAt = nullTimePtr(deletedAt)
	app.LastSyncedAt = nullTimePtr(lastSyncedAt)
	return app, nil
}

// FindByID は指定IDのアプリを取得する。見つからない場合はnilを返す。
func (r *PostgresAppRepo) FindByID(ctx context.Context, id string) (*model.App, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE id = $1`, id)

	app, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アプリの取得に失敗しました: %w", err)
	}
	return app, nil
}

// ListEligible は取り込み対象のアプリを取得する。
// ACTIVEかつ未削除で、last_synced_atがNULLまたはcutoffより古いアプリを
// 最終同期が古い順（NULL先頭）でmaxCount件まで返す。
func (r *PostgresAppRepo) ListEligible(ctx context.Context, cutoff time.Time, maxCount int) ([]*model.App, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+appColumns+`
		 FROM apps
		 WHERE status = 'ACTIVE'
		   AND deleted_at IS NULL
		   AND (last_synced_at IS NULL OR last_synced_at < $1)
		 ORDER BY last_synced_at ASC NULLS FIRST
		 LIMIT $2`,
		cutoff, maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("取り込み対象アプリの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var apps []*model.App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("取り込み対象アプリの読み取りに失敗しました: %w", err)
		}
		apps = append(apps, app)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("取り込み対象アプリの走査に失敗しました: %w", err)
	}

	return apps, nil
}

// CountEligible は取り込み対象のアプリ総数を返す。
func (r *PostgresAppRepo) CountEligible(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM apps
		 WHERE status = 'ACTIVE'
		   AND deleted_at IS NULL
		   AND (last_synced_at IS NULL OR last_synced_at < $1)`,
		cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("取り込み対象アプリ数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// CountActiveByWorkspace はワークスペース内の未削除・非アーカイブのアプリ数を返す。
func (r *PostgresAppRepo) CountActiveByWorkspace(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM apps
		 WHERE workspace_id = $1
		   AND deleted_at IS NULL
		   AND status != 'ARCHIVED'`,
		workspaceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ワークスペースのアプリ数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// UpdateLastSyncedAt はアプリの最終同期時刻を更新する。
func (r *PostgresAppRepo) UpdateLastSyncedAt(ctx context.Context, appID string, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE apps SET last_synced_at = $2, updated_at = now() WHERE id = $1`,
		appID, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("最終同期時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateName はアプリの表示名を更新する。
func (r *PostgresAppRepo) UpdateName(ctx context.Context, appID string, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE apps SET name = $2, updated_at = now() WHERE id = $1`,
		appID, name,
	)
	if err != nil {
		return fmt.Errorf("アプリ名の更新に失敗しました: %w", err)
	}
	return nil
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// compile-time interface check
var _ AppRepository = (*PostgresAppRepo)(nil)
