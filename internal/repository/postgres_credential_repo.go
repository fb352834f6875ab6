package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/letsgo/internal/model"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pqUniqueViolation = "23505"

// PostgresCredentialRepo はPostgreSQLを使用した認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Create は認証情報を作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
func (r *PostgresCredentialRepo) Create(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, email, password_hash, email_verified, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cred.UserID, cred.Email, cred.PasswordHash, cred.EmailVerified, cred.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスで認証情報を検索する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByEmail(ctx context.Context, email string) (*model.Credential, error) {
	return r.findOne(ctx,
		`SELECT user_id, email, password_hash, email_verified, verified_at, created_at
		 FROM credentials WHERE lower(email) = lower($1)`,
		email,
	)
}

// FindByID はユーザーIDで認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, userID string) (*model.Credential, error) {
	return r.findOne(ctx,
		`SELECT user_id, email, password_hash, email_verified, verified_at, created_at
		 FROM credentials WHERE user_id = $1`,
		userID,
	)
}

func (r *PostgresCredentialRepo) findOne(ctx context.Context, query string, arg string) (*model.Credential, error) {
	cred := &model.Credential{}
	var verifiedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&cred.UserID, &cred.Email, &cred.PasswordHash,
		&cred.EmailVerified, &verifiedAt, &cred.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	if verifiedAt.Valid {
		cred.VerifiedAt = &verifiedAt.Time
	}
	return cred, nil
}

// MarkEmailVerified はメールアドレスを確認済みにする。
// 確認日時は最初の確認時のみ記録する。
func (r *PostgresCredentialRepo) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credentials
		 SET email_verified = true, verified_at = COALESCE(verified_at, $2)
		 WHERE user_id = $1`,
		userID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("credential not found: %s", userID)
	}
	return nil
}

// isUniqueViolation はerrが一意制約違反かどうかを返す。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
