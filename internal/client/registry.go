// Package client は端末ごとのセッション状態機械と依頼マネージャーを
// ログインセッションに結び付けて管理する。
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/navigation"
	"github.com/hitoshi/letsgo/internal/repository"
	"github.com/hitoshi/letsgo/internal/request"
	"github.com/hitoshi/letsgo/internal/session"
)

// SessionStore はログインセッションの発行・検索・破棄のインターフェース。
// auth.Serviceが実装する。
type SessionStore interface {
	CreateSession(ctx context.Context, userID string) (*model.Session, error)
	FindSession(ctx context.Context, sessionID string) (*model.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Client は1端末分の状態。Bindされるまでは登録簿に載らない。
type Client struct {
	Machine   *session.Machine
	Requests  *request.Manager
	Navigator *navigation.Navigator

	mu        sync.Mutex
	sessionID string
	expiresAt time.Time
	lastSeen  time.Time
	streams   int
}

// SessionID は結び付いたログインセッションのIDを返す。未結合の場合は空文字。
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID は現在のIdentityのIDを返す。サインインしていない場合は空文字。
func (c *Client) UserID() string {
	if id := c.Machine.Identity(); id != nil {
		return id.ID
	}
	return ""
}

// Hold はcを配信中として登録し、解除する関数を返す。
// 配信中のClientは無操作の期間が続いても掃除されない。
func (c *Client) Hold() func() {
	c.mu.Lock()
	c.streams++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.streams--
			c.mu.Unlock()
		})
	}
}

func (c *Client) bound(sess *model.Session, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sess.ID
	c.expiresAt = sess.ExpiresAt
	c.lastSeen = now
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// stale はnow時点でcを登録簿から外してよいかを返す。
func (c *Client) stale(now time.Time, idleTTL time.Duration) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expiresAt.IsZero() && !now.Before(c.expiresAt) {
		return true, "expired"
	}
	if idleTTL > 0 && c.streams == 0 && now.Sub(c.lastSeen) > idleTTL {
		return true, "idle"
	}
	return false, ""
}

func (c *Client) close() {
	c.Machine.Close()
	c.Requests.Close()
}

// Registry はセッションIDをキーにClientを保持する。
// プロセス再起動後はsessionsテーブルの行からClientを復元する。
type Registry struct {
	identity session.IdentityProvider
	profiles session.ProfileStore
	requests repository.RequestRepository
	sessions SessionStore
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	now func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
	resume  singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry はRegistryを生成する。
func NewRegistry(
	identity session.IdentityProvider,
	profiles session.ProfileStore,
	requests repository.RequestRepository,
	sessions SessionStore,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Registry{
		identity: identity,
		profiles: profiles,
		requests: requests,
		sessions: sessions,
		logger:   logger,
		metrics:  collector,
		now:      time.Now,
		clients:  make(map[string]*Client),
		stopCh:   make(chan struct{}),
	}
}

// Open は未結合のClientを生成する。状態機械はIdleから始まる。
func (r *Registry) Open() *Client {
	return &Client{
		Machine: session.NewMachine(r.identity, r.profiles, session.Options{
			Logger:  r.logger,
			Metrics: r.metrics,
		}),
		Requests: request.NewManager(r.requests, request.Options{
			Logger:  r.logger,
			Metrics: r.metrics,
		}),
		Navigator: navigation.NewNavigator(navigation.RouteAuthRoot),
	}
}

// Bind はサインイン済みのcに新しいログインセッションを発行し、登録簿に載せる。
func (r *Registry) Bind(ctx context.Context, c *Client) (*model.Session, error) {
	identity := c.Machine.Identity()
	if identity == nil {
		return nil, fmt.Errorf("client has no signed-in identity")
	}

	sess, err := r.sessions.CreateSession(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind client session: %w", err)
	}

	c.bound(sess, r.now())

	r.mu.Lock()
	r.clients[sess.ID] = c
	r.mu.Unlock()

	r.logger.Info("client session bound",
		slog.String("session_id", sess.ID),
		slog.String("user_id", identity.ID),
	)
	return sess, nil
}

// Get はセッションIDに対応するClientを返す。
// ログインセッションが存在しないか期限切れ、または復元できない場合は(nil, nil)を返す。
// メモリ上にない場合はsessionsテーブルのユーザーIDから状態機械を復元する。
func (r *Registry) Get(ctx context.Context, sessionID string) (*Client, error) {
	sess, err := r.sessions.FindSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up client session: %w", err)
	}
	if sess == nil {
		r.drop(sessionID)
		return nil, nil
	}

	if c := r.lookup(sessionID); c != nil {
		c.touch(r.now())
		return c, nil
	}

	v, err, _ := r.resume.Do(sessionID, func() (interface{}, error) {
		if c := r.lookup(sessionID); c != nil {
			return c, nil
		}
		return r.restore(ctx, sess), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// restore はsessの利用者でClientを復元する。
// 復元後の状態がSuccessでない場合はnilを返し、次回のGetで再度復元を試みる。
// 利用者のアカウントが存在しない場合はログインセッションも破棄する。
func (r *Registry) restore(ctx context.Context, sess *model.Session) *Client {
	c := r.Open()
	c.bound(sess, r.now())

	state := c.Machine.Restore(ctx, &model.Identity{ID: sess.UserID})
	if state.Kind() != session.KindSuccess {
		r.logger.Warn("failed to restore client session",
			slog.String("session_id", sess.ID),
			slog.String("user_id", sess.UserID),
			slog.String("state", string(state.Kind())),
		)
		c.close()
		if failed, ok := state.(session.Error); ok && model.HasCode(failed.Err, model.ErrCodeAuthFailure) {
			if err := r.sessions.DeleteSession(ctx, sess.ID); err != nil {
				r.logger.Error("failed to delete orphaned session",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	}

	r.mu.Lock()
	r.clients[sess.ID] = c
	r.mu.Unlock()

	r.logger.Info("client session restored",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
	)
	return c
}

// Close はサインアウトしてログインセッションを破棄し、Clientを登録簿から外す。
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	c := r.clients[sessionID]
	delete(r.clients, sessionID)
	r.mu.Unlock()

	if c != nil {
		c.Machine.SignOut(ctx)
		c.close()
	}

	if err := r.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to close client session: %w", err)
	}
	return nil
}

// Discard は登録簿に載っていないClientを破棄する。サインインに失敗した場合に使う。
func (r *Registry) Discard(c *Client) {
	if c == nil || c.SessionID() != "" {
		return
	}
	c.close()
}

// Len は登録簿に載っているClientの数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Sweep は期限切れ、またはidleTTLを超えて操作のないClientを登録簿から外し、外した数を返す。
// ログインセッションの行は残すため、無操作で外れたClientは次回のGetで復元される。
func (r *Registry) Sweep(idleTTL time.Duration) int {
	now := r.now()

	type evicted struct {
		id     string
		c      *Client
		reason string
	}
	var removed []evicted

	r.mu.Lock()
	for id, c := range r.clients {
		if ok, reason := c.stale(now, idleTTL); ok {
			delete(r.clients, id)
			removed = append(removed, evicted{id: id, c: c, reason: reason})
		}
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	for _, e := range removed {
		e.c.close()
		r.logger.Debug("client session swept",
			slog.String("session_id", e.id),
			slog.String("reason", e.reason),
		)
	}
	if len(removed) > 0 {
		r.logger.Info("swept client sessions",
			slog.Int("removed", len(removed)),
			slog.Int("remaining", remaining),
		)
	}
	return len(removed)
}

// StartSweeper はintervalごとにSweepを実行するgoroutineを起動する。Stopで停止する。
func (r *Registry) StartSweeper(interval, idleTTL time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep(idleTTL)
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop はStartSweeperで起動したgoroutineを停止する。複数回呼んでも安全。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Registry) lookup(sessionID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[sessionID]
}

// drop は無効になったログインセッションのClientを破棄する。
func (r *Registry) drop(sessionID string) {
	r.mu.Lock()
	c := r.clients[sessionID]
	delete(r.clients, sessionID)
	r.mu.Unlock()
	if c != nil {
		c.close()
		r.logger.Info("client session expired", slog.String("session_id", sessionID))
	}
}
