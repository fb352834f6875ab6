// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの利用区分を表す。サインアップ時に確定し、以後変更されない。
type Role string

const (
	// RoleCustomer は配達依頼を出す顧客。
	RoleCustomer Role = "CUSTOMER"
	// RoleDriver は依頼を受ける配達ドライバー。
	RoleDriver Role = "DRIVER"
)

// ParseRole は文字列からRoleを解析する。未知の値の場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleDriver:
		return RoleDriver, true
	default:
		return "", false
	}
}

// Identity は認証プロバイダーが発行した認証主体を表す。
// EmailVerifiedはプロバイダーへの明示的なリロードでのみ変化する。
type Identity struct {
	ID            string
	Email         string
	EmailVerified bool
}

// Address は構造化された住所。
type Address struct {
	StreetLine1     string `json:"streetLine1"`
	StreetLine2     string `json:"streetLine2"`
	City            string `json:"city"`
	StateOrProvince string `json:"stateOrProvince"`
	PostalCode      string `json:"postalCode"`
	Country         string `json:"country"`
	CountryCode     string `json:"countryCode"`
}

// IsZero は全フィールドが空かどうかを返す。
func (a Address) IsZero() bool {
	return a == Address{}
}

// Profile はアプリケーション側のユーザー情報。Identityと同じIDで1件のみ存在する。
// サインアップ時に作成され、以後は更新されない。
type Profile struct {
	ID          string
	Email       string
	Role        Role
	DisplayName string
	Address     *Address
	Phone       string
	CreatedAt   time.Time
}

// IsDriver はプロフィールがドライバーかどうかを返す。
func (p *Profile) IsDriver() bool {
	return p != nil && p.Role == RoleDriver
}

// Credential はローカル認証プロバイダーが保持する認証情報。
type Credential struct {
	UserID        string
	Email         string
	PasswordHash  string
	EmailVerified bool
	VerifiedAt    *time.Time
	CreatedAt     time.Time
}

// Identity はCredentialから公開用のIdentityを生成する。
func (c *Credential) Identity() *Identity {
	return &Identity{
		ID:            c.UserID,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
	}
}

// Session は端末ごとのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
