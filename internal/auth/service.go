// Package auth はメールアドレスとパスワードによる認証、メールアドレス確認、
// ログインセッションの発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/repository"
)

// PasswordHasher はパスワードのハッシュ化と照合のインターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BaseURL           string        // 確認リンクの生成に使うベースURL
	SessionMaxAge     int           // セッション有効期間（秒）
	MinPasswordLength int           // パスワードの最小文字数
	TokenTTL          time.Duration // 確認トークンの有効期間
	EmailInterval     time.Duration // 確認メール送信のトークン補充間隔
	EmailBurst        int           // 確認メール送信のバーストサイズ
}

// sessionCreateAttempts はセッションIDが衝突した場合の最大試行回数。
const sessionCreateAttempts = 3

// emailLimiterMaxEntries を超えたら古いリミッターを掃除する。
const emailLimiterMaxEntries = 1024

type emailLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Service はローカルの認証プロバイダー。
// 認証情報の登録・照合、確認メールの送信、ログインセッションの発行を行う。
type Service struct {
	creds    repository.CredentialRepository
	sessions repository.SessionRepository
	tokens   repository.VerificationTokenStore
	hasher   PasswordHasher
	mailer   Mailer
	config   ServiceConfig

	limitersMu sync.Mutex
	limiters   map[string]*emailLimiter
}

// NewService はServiceを生成する。
func NewService(
	creds repository.CredentialRepository,
	sessions repository.SessionRepository,
	tokens repository.VerificationTokenStore,
	hasher PasswordHasher,
	mailer Mailer,
	config ServiceConfig,
) *Service {
	if config.EmailBurst <= 0 {
		config.EmailBurst = 1
	}
	return &Service{
		creds:    creds,
		sessions: sessions,
		tokens:   tokens,
		hasher:   hasher,
		mailer:   mailer,
		config:   config,
		limiters: make(map[string]*emailLimiter),
	}
}

// SignUp は認証情報を登録し、未確認のIdentityを返す。
func (s *Service) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < s.config.MinPasswordLength {
		return nil, model.NewAuthFailureError(
			fmt.Sprintf("Weak password: use at least %d characters.", s.config.MinPasswordLength))
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	cred := &model.Credential{
		UserID:       uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewAuthFailureError("The email address is already in use by another account.")
		}
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	slog.Info("credential created",
		slog.String("user_id", cred.UserID),
		slog.String("email", cred.Email),
	)
	return cred.Identity(), nil
}

// SignIn はメールアドレスとパスワードを照合し、Identityを返す。
// アカウントが存在しない場合とパスワードが誤っている場合は同じエラーを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	invalid := model.NewAuthFailureError("Invalid email or password.")

	email, err := normalizeEmail(email)
	if err != nil {
		return nil, invalid
	}

	cred, err := s.creds.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil {
		return nil, invalid
	}
	if err := s.hasher.Compare(cred.PasswordHash, password); err != nil {
		slog.Info("sign-in rejected", slog.String("user_id", cred.UserID))
		return nil, invalid
	}

	return cred.Identity(), nil
}

// Reload はIdentityを再読み込みし、最新の確認状態を持つIdentityを返す。
func (s *Service) Reload(ctx context.Context, identity *model.Identity) (*model.Identity, error) {
	if identity == nil || identity.ID == "" {
		return nil, model.NewAuthFailureError("No signed-in account.")
	}

	cred, err := s.creds.FindByID(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload credential: %w", err)
	}
	if cred == nil {
		return nil, model.NewAuthFailureError("The account no longer exists.")
	}
	return cred.Identity(), nil
}

// SendVerificationEmail は確認リンクを含むメールを送信する。
// 既に確認済みの場合は何もしない。Identityごとに送信回数を制限する。
func (s *Service) SendVerificationEmail(ctx context.Context, identity *model.Identity) error {
	current, err := s.Reload(ctx, identity)
	if err != nil {
		return err
	}
	if current.EmailVerified {
		return nil
	}

	if !s.allowEmail(current.ID) {
		slog.Warn("verification email rate limited", slog.String("user_id", current.ID))
		return model.NewVerificationRateLimitedError()
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate verification token: %w", err)
	}
	if err := s.tokens.Save(ctx, token, current.ID, s.config.TokenTTL); err != nil {
		slog.Error("failed to save verification token",
			slog.String("user_id", current.ID),
			slog.String("error", err.Error()),
		)
		return model.NewVerificationSendFailureError("Could not send the verification email.")
	}

	link := strings.TrimRight(s.config.BaseURL, "/") + "/auth/verify?token=" + url.QueryEscape(token)
	body := "Confirm your email address by opening the link below.\r\n\r\n" + link + "\r\n"
	if err := s.mailer.Send(ctx, current.Email, "Verify your email address", body); err != nil {
		slog.Error("failed to send verification email",
			slog.String("user_id", current.ID),
			slog.String("error", err.Error()),
		)
		return model.NewVerificationSendFailureError("Could not send the verification email.")
	}

	slog.Info("verification email sent", slog.String("user_id", current.ID))
	return nil
}

// ConfirmEmail は確認トークンを消費してメールアドレスを確認済みにする。
// トークンは一度しか使えない。
func (s *Service) ConfirmEmail(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, model.NewAuthFailureError("The verification link is invalid or has expired.")
	}

	userID, err := s.tokens.Consume(ctx, token)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return nil, model.NewAuthFailureError("The verification link is invalid or has expired.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification token: %w", err)
	}

	if err := s.creds.MarkEmailVerified(ctx, userID, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}

	slog.Info("email verified", slog.String("user_id", userID))
	return s.Reload(ctx, &model.Identity{ID: userID})
}

// SignOut はIdentityのサインアウトを行う。
// ローカルプロバイダーは端末ごとの状態を持たないため、ログ出力のみ行う。
// ログインセッションの破棄はDeleteSessionで行う。
func (s *Service) SignOut(_ context.Context, identity *model.Identity) error {
	if identity != nil {
		slog.Info("user signed out", slog.String("user_id", identity.ID))
	}
	return nil
}

// CreateSession はログインセッションを作成し永続化する。
// IDが衝突した場合は新しいIDで作り直す。
func (s *Service) CreateSession(ctx context.Context, userID string) (*model.Session, error) {
	for attempt := 0; attempt < sessionCreateAttempts; attempt++ {
		sessionID, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session ID: %w", err)
		}

		now := time.Now()
		session := &model.Session{
			ID:        sessionID,
			UserID:    userID,
			ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
			CreatedAt: now,
		}

		err = s.sessions.Create(ctx, session)
		if errors.Is(err, repository.ErrSessionExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
		return session, nil
	}
	return nil, fmt.Errorf("failed to save session: %w", repository.ErrSessionExists)
}

// FindSession は有効なログインセッションを返す。期限切れまたは存在しない場合はnilを返す。
func (s *Service) FindSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// DeleteSession はログインセッションを破棄する。
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("session deleted", slog.String("session_id", sessionID))
	return nil
}

// allowEmail はuserIDの確認メール送信を許可するかを返す。
func (s *Service) allowEmail(userID string) bool {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	now := time.Now()
	if len(s.limiters) >= emailLimiterMaxEntries {
		idle := s.config.EmailInterval * time.Duration(s.config.EmailBurst)
		for id, l := range s.limiters {
			if now.Sub(l.lastAccess) > idle {
				delete(s.limiters, id)
			}
		}
	}

	l, ok := s.limiters[userID]
	if !ok {
		every := rate.Inf
		if s.config.EmailInterval > 0 {
			every = rate.Every(s.config.EmailInterval)
		}
		l = &emailLimiter{limiter: rate.NewLimiter(every, s.config.EmailBurst)}
		s.limiters[userID] = l
	}
	l.lastAccess = now
	return l.limiter.Allow()
}

// normalizeEmail はメールアドレスを検証し、前後の空白を除去して返す。
// 表示名付きの形式（"Name <a@x.com>"）は受け付けない。
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewAuthFailureError("The email address is badly formatted.")
	}
	return email, nil
}

// generateToken は暗号的に安全なランダムトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
