package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/letsgo/internal/client"
	"github.com/hitoshi/letsgo/internal/middleware"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/repository"
	"github.com/hitoshi/letsgo/internal/security"
)

// --- モック定義 ---

type account struct {
	id       string
	email    string
	password string
	verified bool
}

// mockIdentity はメモリ上のアカウントで動く認証プロバイダー。
// fnフィールドを設定した操作はそちらを優先する。
type mockIdentity struct {
	mu       sync.Mutex
	accounts map[string]*account // email -> account
	nextID   int
	sends    int

	signUpFn func(ctx context.Context, email, password string) (*model.Identity, error)
	sendFn   func(ctx context.Context, identity *model.Identity) error
}

func newMockIdentity() *mockIdentity {
	return &mockIdentity{accounts: make(map[string]*account)}
}

func (m *mockIdentity) add(email, password string, verified bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("user-%d", m.nextID)
	m.accounts[email] = &account{id: id, email: email, password: password, verified: verified}
	return id
}

func (m *mockIdentity) verify(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[email].verified = true
}

func (m *mockIdentity) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	m.mu.Lock()
	_, exists := m.accounts[email]
	m.mu.Unlock()
	if exists {
		return nil, model.NewAuthFailureError("email already in use")
	}
	id := m.add(email, password, false)
	return &model.Identity{ID: id, Email: email}, nil
}

func (m *mockIdentity) SignIn(_ context.Context, email, password string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok || a.password != password {
		return nil, model.NewAuthFailureError("invalid email or password")
	}
	return &model.Identity{ID: a.id, Email: a.email, EmailVerified: a.verified}, nil
}

func (m *mockIdentity) Reload(_ context.Context, identity *model.Identity) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.id == identity.ID {
			return &model.Identity{ID: a.id, Email: a.email, EmailVerified: a.verified}, nil
		}
	}
	return nil, model.NewAuthFailureError("account no longer exists")
}

func (m *mockIdentity) SendVerificationEmail(ctx context.Context, identity *model.Identity) error {
	m.mu.Lock()
	m.sends++
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, identity)
	}
	return nil
}

func (m *mockIdentity) SignOut(context.Context, *model.Identity) error { return nil }

type mockProfiles struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile
}

func newMockProfiles() *mockProfiles {
	return &mockProfiles{profiles: make(map[string]*model.Profile)}
}

func (m *mockProfiles) FindByID(_ context.Context, id string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[id], nil
}

func (m *mockProfiles) Create(_ context.Context, p *model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}

// mockSessions はclient.SessionStoreのメモリ実装。
type mockSessions struct {
	mu        sync.Mutex
	sessions  map[string]*model.Session
	nextID    int
	createErr error
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: make(map[string]*model.Session)}
}

func (m *mockSessions) CreateSession(_ context.Context, userID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	s := &model.Session{ID: fmt.Sprintf("sess-%d", m.nextID), UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockSessions) FindSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

func (m *mockSessions) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

type mockConfirmer struct {
	confirmEmailFn func(ctx context.Context, token string) (*model.Identity, error)
}

func (m *mockConfirmer) ConfirmEmail(ctx context.Context, token string) (*model.Identity, error) {
	if m.confirmEmailFn != nil {
		return m.confirmEmailFn(ctx, token)
	}
	return nil, model.NewAuthFailureError("invalid or expired verification link")
}

// memRequests は条件付き更新をサポートするrepository.RequestRepositoryのメモリ実装。
type memRequests struct {
	mu       sync.Mutex
	requests map[string]*model.DeliveryRequest
	nextID   int
	clock    time.Time
}

func newMemRequests() *memRequests {
	return &memRequests{
		requests: make(map[string]*model.DeliveryRequest),
		clock:    time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memRequests) Create(_ context.Context, req *model.DeliveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		m.nextID++
		req.ID = fmt.Sprintf("req-%03d", m.nextID)
	}
	m.clock = m.clock.Add(time.Minute)
	req.CreatedAt = m.clock
	req.UpdatedAt = m.clock
	stored := *req
	m.requests[req.ID] = &stored
	return nil
}

func (m *memRequests) FindByID(_ context.Context, id string) (*model.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (m *memRequests) List(_ context.Context, q repository.RequestQuery) ([]*model.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []*model.DeliveryRequest{}
	for _, req := range m.requests {
		var v string
		switch q.Field {
		case repository.RequestFieldStatus:
			v = string(req.Status)
		case repository.RequestFieldCustomerID:
			v = req.CustomerID
		case repository.RequestFieldAssignedDriverID:
			v = req.AssignedDriverID
		}
		if v == q.Value {
			cp := *req
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if q.Order == repository.SortDescending {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

func (m *memRequests) Accept(_ context.Context, id, driverID string) (*model.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, repository.ErrRequestNotFound
	}
	if req.Status != model.RequestStatusOpen {
		return nil, repository.ErrPreconditionFailed
	}
	req.Status = model.RequestStatusAssigned
	req.AssignedDriverID = driverID
	cp := *req
	return &cp, nil
}

func (m *memRequests) AdvanceStatus(_ context.Context, id, driverID string, from, to model.RequestStatus) (*model.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, repository.ErrRequestNotFound
	}
	if req.Status != from || req.AssignedDriverID != driverID {
		return nil, repository.ErrPreconditionFailed
	}
	req.Status = to
	cp := *req
	return &cp, nil
}

// --- テスト環境 ---

type testEnv struct {
	identity *mockIdentity
	profiles *mockProfiles
	sessions *mockSessions
	requests *memRequests
	registry *client.Registry
	limiter  *middleware.RateLimiter
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		identity: newMockIdentity(),
		profiles: newMockProfiles(),
		sessions: newMockSessions(),
		requests: newMemRequests(),
		limiter:  middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
	}
	t.Cleanup(env.limiter.Stop)

	env.registry = client.NewRegistry(env.identity, env.profiles, env.requests, env.sessions, nil, nil)
	env.router = NewRouter(&RouterDeps{
		ClientFinder:      env.registry,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       env.limiter,
		Registry:          env.registry,
		EmailConfirmer:    &mockConfirmer{},
		AuthConfig: AuthHandlerConfig{
			BaseURL:       "http://localhost:3000",
			SessionMaxAge: 86400,
		},
		Sanitizer: security.NewTextSanitizer(),
	})
	return env
}

// addUser は確認済みかどうかを指定してアカウントとプロフィールを登録する。
func (env *testEnv) addUser(email string, role model.Role, verified bool) string {
	id := env.identity.add(email, "secret123", verified)
	env.profiles.Create(context.Background(), &model.Profile{
		ID:          id,
		Email:       email,
		Role:        role,
		DisplayName: "User " + id,
	})
	return id
}

// login はログインしてセッションCookieを返す。
func (env *testEnv) login(t *testing.T, email string) *http.Cookie {
	t.Helper()
	w := env.do(http.MethodPost, "/auth/login", map[string]string{"email": email, "password": "secret123"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func (env *testEnv) do(method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var resp sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	return nil
}
