// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/letsgo/internal/client"
)

// SessionCookieName はログインセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey    = contextKey("user_id")
	sessionIDContextKey = contextKey("session_id")
	clientContextKey    = contextKey("client")
)

// ClientFinder はセッションIDからClientを取得するインターフェース。
// client.Registryが実装する。
type ClientFinder interface {
	Get(ctx context.Context, sessionID string) (*client.Client, error)
}

// NewSessionMiddleware はHTTP Only CookieのセッションIDからClientを取得し、
// Client・セッションID・ユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// セッションが無効な場合やサインインしていない場合は401を返す。
func NewSessionMiddleware(finder ClientFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteUnauthorized(w)
				return
			}

			c, err := finder.Get(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find client session",
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}
			if c == nil {
				WriteUnauthorized(w)
				return
			}

			ctx := ContextWithClient(r.Context(), cookie.Value, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// ClientFromContext はリクエストコンテキストからClientを取得する。
func ClientFromContext(ctx context.Context) (*client.Client, bool) {
	c, ok := ctx.Value(clientContextKey).(*client.Client)
	return c, ok && c != nil
}

// ContextWithClient はコンテキストにClient、セッションID、ユーザーIDを注入する。
func ContextWithClient(ctx context.Context, sessionID string, c *client.Client) context.Context {
	ctx = context.WithValue(ctx, clientContextKey, c)
	ctx = context.WithValue(ctx, sessionIDContextKey, sessionID)
	if userID := c.UserID(); userID != "" {
		ctx = ContextWithUserID(ctx, userID)
	}
	return ctx
}
