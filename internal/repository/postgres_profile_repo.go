package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/letsgo/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
// 住所は構造化されたままJSONBカラムに保存する。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	profile := &model.Profile{}
	var role string
	var address []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, role, display_name, address, phone, created_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&profile.ID, &profile.Email, &role, &profile.DisplayName, &address, &profile.Phone, &profile.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	profile.Role = model.Role(role)
	if len(address) > 0 {
		var addr model.Address
		if err := json.Unmarshal(address, &addr); err != nil {
			return nil, fmt.Errorf("failed to decode profile address: %w", err)
		}
		profile.Address = &addr
	}

	return profile, nil
}

// Create はプロフィールを作成する。
func (r *PostgresProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	// 住所が未入力の場合はNULLを保存する
	var address sql.NullString
	if profile.Address != nil && !profile.Address.IsZero() {
		encoded, err := json.Marshal(profile.Address)
		if err != nil {
			return fmt.Errorf("failed to encode profile address: %w", err)
		}
		address = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, role, display_name, address, phone, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		profile.ID, profile.Email, string(profile.Role), profile.DisplayName, address, profile.Phone, profile.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
