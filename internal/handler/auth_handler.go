// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/letsgo/internal/client"
	"github.com/hitoshi/letsgo/internal/middleware"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/navigation"
	"github.com/hitoshi/letsgo/internal/security"
	"github.com/hitoshi/letsgo/internal/session"
)

// ClientRegistry は認証ハンドラーが必要とするクライアントセッションの管理インターフェース。
// client.Registryが実装する。
type ClientRegistry interface {
	Open() *client.Client
	Bind(ctx context.Context, c *client.Client) (*model.Session, error)
	Close(ctx context.Context, sessionID string) error
	Discard(c *client.Client)
}

// EmailConfirmer は確認メールのリンクからメールアドレスを確認済みにするインターフェース。
// auth.Serviceが実装する。
type EmailConfirmer interface {
	ConfirmEmail(ctx context.Context, token string) (*model.Identity, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はサインアップ・ログイン・メールアドレス確認のHTTPハンドラー。
type AuthHandler struct {
	registry  ClientRegistry
	confirmer EmailConfirmer
	sanitizer security.TextSanitizer
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(registry ClientRegistry, confirmer EmailConfirmer, sanitizer security.TextSanitizer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		registry:  registry,
		confirmer: confirmer,
		sanitizer: sanitizer,
		config:    config,
	}
}

type signUpRequest struct {
	Email       string         `json:"email"`
	Password    string         `json:"password"`
	DisplayName string         `json:"display_name"`
	Role        string         `json:"role"`
	Address     *model.Address `json:"address"`
	Phone       string         `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はアカウントとプロフィールを作成し、成功した場合はセッションCookieを設定する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	role, ok := model.ParseRole(req.Role)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("role must be CUSTOMER or DRIVER"))
		return
	}
	displayName := h.sanitizer.Sanitize(strings.TrimSpace(req.DisplayName))
	if displayName == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("display_name is required"))
		return
	}

	c := h.registry.Open()
	state, _ := c.Machine.SignUp(r.Context(), session.SignUpInput{
		Email:       strings.TrimSpace(req.Email),
		Password:    req.Password,
		DisplayName: displayName,
		Role:        role,
		Address:     req.Address,
		Phone:       strings.TrimSpace(req.Phone),
	})
	h.finishSignIn(w, r, c, state, navigation.RouteSignUp, http.StatusCreated)
}

// Login はメールアドレスとパスワードで認証し、成功した場合はセッションCookieを設定する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	c := h.registry.Open()
	state := c.Machine.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
	h.finishSignIn(w, r, c, state, navigation.RouteLogin, http.StatusOK)
}

// finishSignIn はサインインの結果に応じてクライアントセッションを登録または破棄し、レスポンスを書き込む。
func (h *AuthHandler) finishSignIn(w http.ResponseWriter, r *http.Request, c *client.Client, state session.State, from navigation.Route, successStatus int) {
	snap := c.Machine.Snapshot()

	if state.Kind() != session.KindSuccess {
		h.registry.Discard(c)
		writeJSON(w, statusForState(state), resolveAt(snap, from))
		return
	}

	sess, err := h.registry.Bind(r.Context(), c)
	if err != nil {
		h.registry.Discard(c)
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, sess.ID)
	resp := resolveAt(snap, from)
	if resp.Navigation != nil {
		c.Navigator.SetRoute(resp.Navigation.Route)
	} else {
		c.Navigator.SetRoute(from)
	}
	writeJSON(w, successStatus, resp)
}

// Verify は確認メールのリンクを処理し、成功した場合はBaseURLにリダイレクトする。
// GET /auth/verify?token=xxx
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("missing verification token"))
		return
	}

	identity, err := h.confirmer.ConfirmEmail(r.Context(), token)
	if err != nil {
		slog.Warn("email confirmation failed", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	slog.Info("email confirmed", slog.String("user_id", identity.ID))
	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

// State は現在のセッション状態と、指定された画面にいる場合の遷移先を返す。
// GET /auth/state?route=XXX
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFromRequest(w, r)
	if !ok {
		return
	}
	route, ok := reportedRoute(w, r, c)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resolveAt(c.Machine.Snapshot(), route))
}

// SendVerification は確認メールを再送する。
// POST /auth/verification/send
func (h *AuthHandler) SendVerification(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFromRequest(w, r)
	if !ok {
		return
	}
	route, ok := reportedRoute(w, r, c)
	if !ok {
		return
	}

	state := c.Machine.SendVerificationEmail(r.Context())
	writeJSON(w, statusForState(state), resolveAt(c.Machine.Snapshot(), route))
}

// CheckVerification はメールアドレスの確認状態を再読み込みする。
// POST /auth/verification/check
func (h *AuthHandler) CheckVerification(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFromRequest(w, r)
	if !ok {
		return
	}
	route, ok := reportedRoute(w, r, c)
	if !ok {
		return
	}

	state := c.Machine.CheckEmailVerificationStatus(r.Context())
	writeJSON(w, statusForState(state), resolveAt(c.Machine.Snapshot(), route))
}

// Logout はセッションを破棄する。セッションが無効でもCookieは必ずクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if closeErr := h.registry.Close(r.Context(), cookie.Value); closeErr != nil {
			slog.Error("failed to logout", slog.String("error", closeErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearSessionCookie(w)

	route := navigation.RouteAuthRoot
	if q := r.URL.Query().Get("route"); q != "" {
		if parsed, ok := navigation.ParseRoute(q); ok {
			route = parsed
		}
	}
	writeJSON(w, http.StatusOK, resolveAt(session.Snapshot{State: session.Idle{}}, route))
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientFromRequest はセッションミドルウェアが注入したClientを取り出す。
// 存在しない場合は401を書き込んでfalseを返す。
func clientFromRequest(w http.ResponseWriter, r *http.Request) (*client.Client, bool) {
	c, ok := middleware.ClientFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	return c, true
}

// reportedRoute はクエリのrouteを現在画面としてNavigatorに記録して返す。
// 指定がない場合はNavigatorの現在画面を返す。不正な値の場合は400を書き込む。
func reportedRoute(w http.ResponseWriter, r *http.Request, c *client.Client) (navigation.Route, bool) {
	q := r.URL.Query().Get("route")
	if q == "" {
		return c.Navigator.Current(), true
	}
	route, ok := navigation.ParseRoute(q)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("unknown route: "+q))
		return "", false
	}
	c.Navigator.SetRoute(route)
	return route, true
}

// statusForState はセッション状態に対応するHTTPステータスを返す。
func statusForState(state session.State) int {
	failed, ok := state.(session.Error)
	if !ok {
		return http.StatusOK
	}
	if apiErr, ok := model.AsAPIError(failed.Err); ok {
		return mapAPIErrorToHTTPStatus(apiErr)
	}
	return http.StatusInternalServerError
}
