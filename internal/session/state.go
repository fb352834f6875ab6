// Package session はログイン状態、メールアドレス確認状態、プロフィール読み込み状態を
// 1つの画面向け状態（State）にまとめる状態機械を提供する。
package session

import "github.com/hitoshi/letsgo/internal/model"

// Kind は状態の種別。
type Kind string

const (
	KindIdle                  Kind = "IDLE"
	KindLoading               Kind = "LOADING"
	KindSuccess               Kind = "SUCCESS"
	KindError                 Kind = "ERROR"
	KindVerificationEmailSent Kind = "VERIFICATION_EMAIL_SENT"
)

// State はセッション状態。Idle、Loading、Success、Error、VerificationEmailSentのいずれか。
// 非公開メソッドを持つため、このパッケージ外で新しい状態を定義することはできない。
type State interface {
	Kind() Kind
	isState()
}

// Idle は認証済みのIdentityが存在しない状態。
type Idle struct{}

// Loading はIdentityに関する操作の実行中。
type Loading struct{}

// Success はIdentityが存在する状態。Profileは読み込みに失敗した場合nilになり、
// その場合ProfileErrに原因が入る。
type Success struct {
	Identity      *model.Identity
	EmailVerified bool
	Profile       *model.Profile
	ProfileErr    error
}

// Error は直前の操作が失敗した状態。Messageはそのまま利用者に表示できる。
type Error struct {
	Message string
	Err     error
}

// VerificationEmailSent は確認メールの送信完了を一度だけ知らせる状態。
type VerificationEmailSent struct{}

func (Idle) Kind() Kind                  { return KindIdle }
func (Loading) Kind() Kind               { return KindLoading }
func (Success) Kind() Kind               { return KindSuccess }
func (Error) Kind() Kind                 { return KindError }
func (VerificationEmailSent) Kind() Kind { return KindVerificationEmailSent }

func (Idle) isState()                  {}
func (Loading) isState()               {}
func (Success) isState()               {}
func (Error) isState()                 {}
func (VerificationEmailSent) isState() {}

// Snapshot は購読者に届ける状態の単位。StateとProfileは常に同時に置き換わる。
type Snapshot struct {
	State      State
	Profile    *model.Profile
	Generation uint64
}
