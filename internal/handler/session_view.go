package handler

import (
	"time"

	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/navigation"
	"github.com/hitoshi/letsgo/internal/session"
)

// stateResponse はセッション状態のJSON表現。
type stateResponse struct {
	Kind          session.Kind `json:"kind"`
	EmailVerified bool         `json:"email_verified"`
	UserID        string       `json:"user_id,omitempty"`
	Email         string       `json:"email,omitempty"`
	Message       string       `json:"message,omitempty"`
	ProfileError  string       `json:"profile_error,omitempty"`
}

// profileResponse はプロフィールのJSON表現。
type profileResponse struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Role        model.Role     `json:"role"`
	DisplayName string         `json:"display_name"`
	Address     *model.Address `json:"address,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// sessionResponse は認証系エンドポイントとWebSocketフレームの共通レスポンス。
// Navigationは遷移不要の場合nullになる。
type sessionResponse struct {
	State      stateResponse       `json:"state"`
	Profile    *profileResponse    `json:"profile"`
	Navigation *navigation.Command `json:"navigation"`
}

func toStateResponse(state session.State) stateResponse {
	resp := stateResponse{Kind: state.Kind()}
	switch s := state.(type) {
	case session.Success:
		resp.EmailVerified = s.EmailVerified
		if s.Identity != nil {
			resp.UserID = s.Identity.ID
			resp.Email = s.Identity.Email
		}
		if s.ProfileErr != nil {
			if apiErr, ok := model.AsAPIError(s.ProfileErr); ok {
				resp.ProfileError = apiErr.Message
			} else {
				resp.ProfileError = s.ProfileErr.Error()
			}
		}
	case session.Error:
		resp.Message = s.Message
	}
	return resp
}

func toProfileResponse(p *model.Profile) *profileResponse {
	if p == nil {
		return nil
	}
	return &profileResponse{
		ID:          p.ID,
		Email:       p.Email,
		Role:        p.Role,
		DisplayName: p.DisplayName,
		Address:     p.Address,
		Phone:       p.Phone,
		CreatedAt:   p.CreatedAt,
	}
}

// newSessionResponse はスナップショットと遷移指示からレスポンスを組み立てる。
func newSessionResponse(snap session.Snapshot, cmd navigation.Command, navigate bool) sessionResponse {
	resp := sessionResponse{
		State:   toStateResponse(snap.State),
		Profile: toProfileResponse(snap.Profile),
	}
	if navigate {
		resp.Navigation = &cmd
	}
	return resp
}

// resolveAt はcurrentにいる場合の遷移先を計算したレスポンスを返す。
// Navigatorの重複抑止は通さない。
func resolveAt(snap session.Snapshot, current navigation.Route) sessionResponse {
	cmd, ok := navigation.Resolve(snap.State, snap.Profile, current)
	return newSessionResponse(snap, cmd, ok)
}
