// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/letsgo/internal/model"
)

var (
	// ErrDuplicateEmail は同一メールアドレスの認証情報が既に存在する場合に返される。
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrSessionExists は同じIDのセッションが既に存在する場合に返される。
	ErrSessionExists = errors.New("session already exists")

	// ErrTokenNotFound は確認トークンが存在しないか期限切れの場合に返される。
	ErrTokenNotFound = errors.New("verification token not found")

	// ErrRequestNotFound は条件付き更新の対象となる依頼が存在しない場合に返される。
	ErrRequestNotFound = errors.New("request not found")

	// ErrPreconditionFailed は条件付き更新の前提（現在のステータスや担当ドライバー）が
	// 満たされなかった場合に返される。
	ErrPreconditionFailed = errors.New("request precondition failed")
)

// CredentialRepository はローカル認証情報の永続化インターフェース。
type CredentialRepository interface {
	// Create は認証情報を作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, cred *model.Credential) error

	// FindByEmail はメールアドレス（大文字小文字を区別しない）で認証情報を検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Credential, error)

	// FindByID はユーザーIDで認証情報を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID string) (*model.Credential, error)

	// MarkEmailVerified はメールアドレスを確認済みにする。既に確認済みの場合は何もしない。
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
}

// ProfileRepository はプロフィール（usersテーブル）の永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Create はプロフィールを作成する。プロフィールは作成後に更新されない。
	Create(ctx context.Context, profile *model.Profile) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。IDが重複する場合はErrSessionExistsを返す。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// RequestField は依頼一覧の絞り込みに使えるフィールド。
type RequestField string

const (
	// RequestFieldStatus はステータスでの絞り込み。
	RequestFieldStatus RequestField = "status"
	// RequestFieldCustomerID は依頼者での絞り込み。
	RequestFieldCustomerID RequestField = "customer_id"
	// RequestFieldAssignedDriverID は担当ドライバーでの絞り込み。
	RequestFieldAssignedDriverID RequestField = "assigned_driver_id"
)

// SortOrder は作成日時での並び順。
type SortOrder string

const (
	// SortAscending は古い順。
	SortAscending SortOrder = "ASC"
	// SortDescending は新しい順。
	SortDescending SortOrder = "DESC"
)

// RequestQuery は依頼一覧の検索条件。1フィールドの等価比較と作成日時順のみをサポートする。
type RequestQuery struct {
	Field RequestField
	Value string
	Order SortOrder
}

// RequestRepository は配達依頼（requestsテーブル）の永続化インターフェース。
type RequestRepository interface {
	// Create は依頼を作成する。IDが空の場合は採番し、作成日時はストア側で設定する。
	// 採番したIDと作成日時はreqに書き戻される。
	Create(ctx context.Context, req *model.DeliveryRequest) error

	// FindByID は指定IDの依頼を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DeliveryRequest, error)

	// List は検索条件に一致する依頼を作成日時順に返す。ページネーションは行わない。
	List(ctx context.Context, q RequestQuery) ([]*model.DeliveryRequest, error)

	// Accept はステータスがOPENの場合に限りdriverIDを割り当ててASSIGNEDにする。
	// 依頼が存在しない場合はErrRequestNotFound、OPENでない場合はErrPreconditionFailedを返す。
	Accept(ctx context.Context, id, driverID string) (*model.DeliveryRequest, error)

	// AdvanceStatus は現在のステータスがfromかつ担当ドライバーがdriverIDの場合に限り
	// ステータスをtoに更新する。前提が満たされない場合はErrPreconditionFailedを返す。
	AdvanceStatus(ctx context.Context, id, driverID string, from, to model.RequestStatus) (*model.DeliveryRequest, error)
}

// VerificationTokenStore はメールアドレス確認トークンの一時保存インターフェース。
type VerificationTokenStore interface {
	// Save はトークンとユーザーIDの対応をttlの間保存する。
	Save(ctx context.Context, token, userID string, ttl time.Duration) error

	// Consume はトークンに対応するユーザーIDを返し、トークンを削除する。
	// 存在しないか期限切れの場合はErrTokenNotFoundを返す。
	Consume(ctx context.Context, token string) (string, error)
}
