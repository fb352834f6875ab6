package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/navigation"
	"github.com/hitoshi/letsgo/internal/session"
)

func dialSession(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/session"
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) sessionResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame sessionResponse
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func TestSessionStream_PushesStateAndNavigation(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("carol@example.com", model.RoleCustomer, true)
	cookie := env.login(t, "carol@example.com")

	server := httptest.NewServer(env.router)
	defer server.Close()

	conn, _, err := dialSession(t, server, http.Header{"Cookie": {cookie.String()}})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// 接続直後は現在の状態が届く。ログイン時にホームへ遷移済みのため遷移指示はない
	first := readFrame(t, conn)
	if first.State.Kind != session.KindSuccess || first.Profile == nil {
		t.Fatalf("first frame = %+v, want SUCCESS with profile", first)
	}
	if first.Navigation != nil {
		t.Errorf("first navigation = %+v, want none", first.Navigation)
	}

	// 入口画面にいると報告するとホームへの遷移が届く
	if err := conn.WriteJSON(routeMessage{Route: string(navigation.RouteAuthRoot)}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	nav := readFrame(t, conn)
	if nav.Navigation == nil || nav.Navigation.Route != navigation.RouteCustomerHome {
		t.Fatalf("navigation = %+v, want CUSTOMER_HOME", nav.Navigation)
	}

	// 同じ遷移は連続して届かない。次に届くのはサインアウト後のフレーム
	if err := conn.WriteJSON(routeMessage{Route: string(navigation.RouteAuthRoot)}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if w := env.do(http.MethodPost, "/auth/logout", nil, cookie); w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}

	idle := readFrame(t, conn)
	if idle.State.Kind != session.KindIdle {
		t.Fatalf("state = %q, want IDLE", idle.State.Kind)
	}
	if idle.Profile != nil {
		t.Error("profile should be cleared after sign-out")
	}
	if idle.Navigation == nil || idle.Navigation.Route != navigation.RouteAuthChoice || !idle.Navigation.ClearHistory {
		t.Errorf("navigation = %+v, want AUTH_CHOICE with history cleared", idle.Navigation)
	}

	// 状態機械が閉じられると接続も閉じられる
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestSessionStream_IgnoresUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("carol@example.com", model.RoleCustomer, false)
	cookie := env.login(t, "carol@example.com")

	server := httptest.NewServer(env.router)
	defer server.Close()

	conn, _, err := dialSession(t, server, http.Header{"Cookie": {cookie.String()}})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first.State.EmailVerified {
		t.Fatal("expected unverified state")
	}

	conn.WriteJSON(routeMessage{Route: "SETTINGS"})
	conn.WriteJSON(routeMessage{Route: string(navigation.RouteCustomerHome)})

	frame := readFrame(t, conn)
	if frame.Navigation == nil || frame.Navigation.Route != navigation.RouteVerifyEmail {
		t.Errorf("navigation = %+v, want VERIFY_EMAIL", frame.Navigation)
	}
}

func TestSessionStream_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	_, resp, err := dialSession(t, server, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}
}

func TestSessionStream_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("carol@example.com", model.RoleCustomer, true)
	cookie := env.login(t, "carol@example.com")

	server := httptest.NewServer(env.router)
	defer server.Close()

	_, resp, err := dialSession(t, server, http.Header{
		"Cookie": {cookie.String()},
		"Origin": {"http://evil.example.com"},
	})
	if err == nil {
		t.Fatal("expected dial to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %+v, want 403", resp)
	}
}
