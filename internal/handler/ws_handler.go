package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/letsgo/internal/client"
	"github.com/hitoshi/letsgo/internal/middleware"
	"github.com/hitoshi/letsgo/internal/navigation"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
)

// routeMessage はクライアントから届く現在画面の報告。
type routeMessage struct {
	Route string `json:"route"`
}

// SessionStreamHandler はセッション状態と画面遷移をWebSocketで配信するハンドラー。
type SessionStreamHandler struct {
	upgrader websocket.Upgrader
}

// NewSessionStreamHandler はSessionStreamHandlerを生成する。
// Originヘッダーを送らないネイティブクライアントと、allowedOriginからの接続を受け付ける。
func NewSessionStreamHandler(allowedOrigin string) *SessionStreamHandler {
	return &SessionStreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Stream はHTTPをWebSocketにアップグレードし、状態が変わるたびに
// {state, profile, navigation}のフレームを送る。
// 直前に送ったものと同じ遷移指示は送らない。
// GET /ws/session
func (h *SessionStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	c, ok := clientFromRequest(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	release := c.Hold()
	defer release()

	sessionID := middleware.SessionIDFromContext(r.Context())
	slog.Info("session stream opened", slog.String("session_id", sessionID))
	defer slog.Info("session stream closed", slog.String("session_id", sessionID))

	snapshots, unsubscribe := c.Machine.Subscribe()
	defer unsubscribe()

	routes := make(chan struct{}, 1)
	done := make(chan struct{})
	go readRoutes(conn, c, routes, done)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				// サインアウトなどで状態機械が閉じられた
				writeClose(conn, websocket.CloseNormalClosure, "session closed")
				return
			}
			cmd, navigate := c.Navigator.Next(snap.State, snap.Profile)
			if err := writeFrame(conn, newSessionResponse(snap, cmd, navigate)); err != nil {
				return
			}
		case <-routes:
			snap := c.Machine.Snapshot()
			cmd, navigate := c.Navigator.Next(snap.State, snap.Profile)
			if !navigate {
				continue
			}
			if err := writeFrame(conn, newSessionResponse(snap, cmd, true)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readRoutes はクライアントからの画面報告を読み、Navigatorに記録してroutesに通知する。
// 接続が切れるとdoneを閉じる。
func readRoutes(conn *websocket.Conn, c *client.Client, routes chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg routeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("session stream read failed", slog.String("error", err.Error()))
			}
			return
		}
		route, ok := navigation.ParseRoute(msg.Route)
		if !ok {
			slog.Debug("ignoring unknown route", slog.String("route", msg.Route))
			continue
		}
		c.Navigator.SetRoute(route)
		select {
		case routes <- struct{}{}:
		default:
		}
	}
}

func writeFrame(conn *websocket.Conn, frame sessionResponse) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		slog.Warn("session stream write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func writeClose(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(wsWriteWait))
}
