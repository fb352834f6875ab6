// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, profile, request, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailure             = "AUTH_FAILURE"
	ErrCodeProfileFetchFailure     = "PROFILE_FETCH_FAILURE"
	ErrCodeVerificationSendFailure = "VERIFICATION_SEND_FAILURE"
	ErrCodeStoreWriteFailure       = "STORE_WRITE_FAILURE"
	ErrCodeStoreReadFailure        = "STORE_READ_FAILURE"
	ErrCodeConflict                = "CONFLICT"
	ErrCodeRequestNotFound         = "REQUEST_NOT_FOUND"
	ErrCodeInvalidTransition       = "INVALID_TRANSITION"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeValidationFailed        = "VALIDATION_FAILED"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
)

// NewAuthFailureError は認証失敗エラーを生成する。
// 資格情報の誤り、重複アカウント、弱いパスワードなどが該当する。
func NewAuthFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailure,
		Message:  reason,
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewProfileFetchFailureError は認証成功後のプロフィール取得失敗エラーを生成する。
func NewProfileFetchFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileFetchFailure,
		Message:  fmt.Sprintf("Failed to fetch profile: %s", reason),
		Category: "profile",
		Action:   "Sign in again in a moment.",
	}
}

// NewVerificationSendFailureError は確認メール送信失敗エラーを生成する。
func NewVerificationSendFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeVerificationSendFailure,
		Message:  reason,
		Category: "auth",
		Action:   "Wait a little and request the verification email again.",
	}
}

// NewVerificationRateLimitedError は確認メールの送信回数制限エラーを生成する。
func NewVerificationRateLimitedError() *APIError {
	return NewVerificationSendFailureError("Too many requests. Try again later.")
}

// NewStoreWriteFailureError は依頼の作成・更新の失敗エラーを生成する。
func NewStoreWriteFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeStoreWriteFailure,
		Message:  fmt.Sprintf("Failed to save the request: %s", reason),
		Category: "request",
		Action:   "Check your connection and try again.",
	}
}

// NewStoreReadFailureError は依頼一覧の読み込み失敗エラーを生成する。
func NewStoreReadFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeStoreReadFailure,
		Message:  fmt.Sprintf("Failed to load requests: %s", reason),
		Category: "request",
		Action:   "Check your connection and try again.",
	}
}

// NewConflictError は他のドライバーが先に依頼を受諾していた場合のエラーを生成する。
func NewConflictError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("Request %s has already been taken by another driver.", requestID),
		Category: "request",
		Action:   "Refresh the list and pick another request.",
	}
}

// NewStatusChangedError は更新前に依頼のステータスが他の操作で変わっていた場合のエラーを生成する。
func NewStatusChangedError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("Request %s was updated in the meantime.", requestID),
		Category: "request",
		Action:   "Refresh the request and try again.",
	}
}

// NewRequestNotFoundError は依頼が見つからない場合のエラーを生成する。
func NewRequestNotFoundError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeRequestNotFound,
		Message:  fmt.Sprintf("Request not found: %s", requestID),
		Category: "request",
		Action:   "Refresh the list.",
	}
}

// NewInvalidTransitionError は許可されないステータス遷移のエラーを生成する。
func NewInvalidTransitionError(from, to RequestStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("Cannot change status from %s to %s.", from, to),
		Category: "request",
		Action:   "Status moves forward one step at a time: ASSIGNED, IN_TRANSIT, COMPLETED.",
	}
}

// NewForbiddenError は権限のない操作のエラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  reason,
		Category: "auth",
		Action:   "Sign in with an account that is allowed to do this.",
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  reason,
		Category: "validation",
		Action:   "Please fill in all required fields.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Please sign in.",
	}
}

// HasCode はerrがcodeを持つAPIErrorをラップしているかを返す。
func HasCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// AsAPIError はerrのチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
