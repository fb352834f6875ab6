package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/observe"
)

// genericFailureMessage はAPIError以外のエラーで表示するメッセージ。
const genericFailureMessage = "Something went wrong. Check your connection and try again."

// IdentityProvider は状態機械が利用する認証プロバイダーのインターフェース。
// auth.Serviceが実装する。
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*model.Identity, error)
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)
	Reload(ctx context.Context, identity *model.Identity) (*model.Identity, error)
	SendVerificationEmail(ctx context.Context, identity *model.Identity) error
	SignOut(ctx context.Context, identity *model.Identity) error
}

// ProfileStore はプロフィールの読み書きのインターフェース。
// repository.ProfileRepositoryが実装する。
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (*model.Profile, error)
	Create(ctx context.Context, profile *model.Profile) error
}

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	Email       string
	Password    string
	DisplayName string
	Role        model.Role
	Address     *model.Address
	Phone       string
}

// Options は状態機械の任意設定。
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// Machine は1端末分のセッション状態機械。
//
// 各操作は開始時に世代番号を1つ進め、完了時に自分の世代がまだ最新の場合に限り
// 結果を公開する。後から開始された操作があれば、先行操作の結果は破棄される。
// 例えばログインの完了前にサインアウトした場合、遅れて届いたログイン結果は公開されない。
type Machine struct {
	identity IdentityProvider
	profiles ProfileStore
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu         sync.Mutex
	generation uint64
	current    *model.Identity
	profile    *model.Profile
	value      *observe.Value[Snapshot]
}

// NewMachine はIdle状態のMachineを生成する。
func NewMachine(identity IdentityProvider, profiles ProfileStore, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Machine{
		identity: identity,
		profiles: profiles,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		value:    observe.New(Snapshot{State: Idle{}}),
	}
}

// Snapshot は現在公開されている状態を返す。
func (m *Machine) Snapshot() Snapshot {
	return m.value.Load()
}

// State は現在公開されている状態を返す。
func (m *Machine) State() State {
	return m.value.Load().State
}

// Profile はキャッシュされているプロフィールを返す。未読み込みの場合はnil。
func (m *Machine) Profile() *model.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Identity は現在のIdentityを返す。サインインしていない場合はnil。
func (m *Machine) Identity() *model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	id := *m.current
	return &id
}

// Subscribe は状態の更新を受け取るチャネルと購読解除関数を返す。
// 最初に現在の状態が届く。
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	return m.value.Subscribe()
}

// Close は購読者へのチャネルを閉じる。以後の状態更新は公開されない。
func (m *Machine) Close() {
	m.value.Close()
}

// Restore は以前に認証済みのIdentityからセッションを復元する。
// Loadingを公開したのちIdentityを再読み込みし、以降はLoginと同様にプロフィールを取得する。
func (m *Machine) Restore(ctx context.Context, identity *model.Identity) State {
	gen := m.beginSignIn()

	fresh, err := m.identity.Reload(ctx, identity)
	if err != nil {
		return m.fail(gen, "restore", err)
	}
	return m.completeSignIn(ctx, gen, fresh)
}

// SignUp はアカウントを作成し、プロフィールを保存してSuccess（未確認）を公開する。
// 確認メールの送信は公開とは独立に非同期で行い、その完了はPendingで待てる。
// Identityの作成に失敗した場合Pendingはnil。
func (m *Machine) SignUp(ctx context.Context, in SignUpInput) (State, *Pending) {
	gen := m.beginSignIn()

	identity, err := m.identity.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return m.fail(gen, "sign_up", err), nil
	}

	profile := &model.Profile{
		ID:          identity.ID,
		Email:       identity.Email,
		Role:        in.Role,
		DisplayName: in.DisplayName,
		Address:     in.Address,
		Phone:       in.Phone,
		CreatedAt:   time.Now(),
	}
	if err := m.profiles.Create(ctx, profile); err != nil {
		m.logger.Error("failed to create profile",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return m.fail(gen, "sign_up", err), nil
	}

	pending := m.sendVerificationAsync(ctx, identity)

	state := m.commit(gen, identity, profile, Success{
		Identity:      identity,
		EmailVerified: false,
		Profile:       profile,
	})
	return state, pending
}

// Login はメールアドレスとパスワードで認証し、確認状態を再読み込みしてプロフィールを取得する。
// プロフィールの取得に失敗した場合もSuccessを公開し、ProfileErrに原因を入れる。
func (m *Machine) Login(ctx context.Context, email, password string) State {
	gen := m.beginSignIn()

	identity, err := m.identity.SignIn(ctx, email, password)
	if err != nil {
		return m.fail(gen, "login", err)
	}
	fresh, err := m.identity.Reload(ctx, identity)
	if err != nil {
		return m.fail(gen, "login", err)
	}
	return m.completeSignIn(ctx, gen, fresh)
}

// completeSignIn はプロフィールを取得してSuccessを公開する。
func (m *Machine) completeSignIn(ctx context.Context, gen uint64, identity *model.Identity) State {
	profile, profileErr := m.fetchProfile(ctx, identity.ID)
	return m.commit(gen, identity, profile, Success{
		Identity:      identity,
		EmailVerified: identity.EmailVerified,
		Profile:       profile,
		ProfileErr:    profileErr,
	})
}

// CheckEmailVerificationStatus はIdentityを再読み込みしてメールアドレスの確認状態を更新する。
// 未確認のIdentityが存在する場合のみ意味を持ち、それ以外では現在の状態をそのまま返す。
// 再読み込みに失敗した場合はErrorにせず、以前のプロフィールを保ったまま未確認として公開する。
func (m *Machine) CheckEmailVerificationStatus(ctx context.Context) State {
	m.mu.Lock()
	identity := m.current
	previous := m.profile
	m.mu.Unlock()

	if identity == nil || identity.EmailVerified {
		return m.State()
	}

	gen := m.begin(Loading{})

	fresh, err := m.identity.Reload(ctx, identity)
	if err != nil {
		m.logger.Warn("failed to refresh verification status",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return m.commit(gen, identity, previous, Success{
			Identity:      identity,
			EmailVerified: false,
			Profile:       previous,
		})
	}

	if !fresh.EmailVerified {
		return m.commit(gen, fresh, previous, Success{
			Identity:      fresh,
			EmailVerified: false,
			Profile:       previous,
		})
	}

	profile, profileErr := m.fetchProfile(ctx, fresh.ID)
	if profile == nil && profileErr != nil {
		profile = previous
	}
	return m.commit(gen, fresh, profile, Success{
		Identity:      fresh,
		EmailVerified: true,
		Profile:       profile,
		ProfileErr:    profileErr,
	})
}

// SendVerificationEmail は確認メールを送信し、完了後にVerificationEmailSentかErrorを公開する。
// Identityが存在しない場合はErrorを公開する。確認済みの場合は何もしない。
func (m *Machine) SendVerificationEmail(ctx context.Context) State {
	m.mu.Lock()
	identity := m.current
	m.mu.Unlock()

	if identity == nil {
		gen := m.begin(nil)
		return m.fail(gen, "send_verification", model.NewAuthFailureError("No signed-in account."))
	}
	if identity.EmailVerified {
		return m.State()
	}

	gen := m.begin(Loading{})
	if err := m.identity.SendVerificationEmail(ctx, identity); err != nil {
		m.metrics.RecordVerificationEmail(metrics.ResultFailure)
		return m.fail(gen, "send_verification", err)
	}
	m.metrics.RecordVerificationEmail(metrics.ResultSuccess)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return m.value.Load().State
	}
	return m.publishLocked(gen, VerificationEmailSent{})
}

// SignOut は無条件にIdleを公開し、キャッシュしたプロフィールを破棄する。
// 実行中の他の操作の結果は以後公開されない。
func (m *Machine) SignOut(ctx context.Context) State {
	m.mu.Lock()
	identity := m.current
	m.generation++
	gen := m.generation
	m.current = nil
	m.profile = nil
	state := m.publishLocked(gen, Idle{})
	m.mu.Unlock()

	if identity != nil {
		if err := m.identity.SignOut(ctx, identity); err != nil {
			m.logger.Warn("identity provider sign-out failed",
				slog.String("user_id", identity.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return state
}

// begin は新しい世代を開始する。stateがnilでなければ公開する。
func (m *Machine) begin(state State) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	if state != nil {
		m.publishLocked(m.generation, state)
	}
	return m.generation
}

// beginSignIn はキャッシュしたIdentityとプロフィールを破棄して新しい世代を開始し、
// Loadingを公開する。サインイン系の操作で使用する。
func (m *Machine) beginSignIn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.current = nil
	m.profile = nil
	m.publishLocked(m.generation, Loading{})
	return m.generation
}

// commit は世代genが最新の場合に限りIdentityとプロフィールをキャッシュしてstateを公開する。
// 古い世代の場合は何もせず、現在の状態を返す。
func (m *Machine) commit(gen uint64, identity *model.Identity, profile *model.Profile, state State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		m.logger.Debug("discarded stale session result",
			slog.Uint64("generation", gen),
			slog.Uint64("current_generation", m.generation),
			slog.String("state", string(state.Kind())),
		)
		return m.value.Load().State
	}
	m.current = identity
	m.profile = profile
	return m.publishLocked(gen, state)
}

// fail はerrをError状態に変換し、世代genが最新の場合に公開する。
func (m *Machine) fail(gen uint64, operation string, err error) State {
	state := errorState(err)
	m.logger.Warn("session operation failed",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return m.value.Load().State
	}
	return m.publishLocked(gen, state)
}

// publishLocked はstateとキャッシュ済みプロフィールを1つのSnapshotとして公開する。
// m.muを保持した状態で呼ぶこと。
func (m *Machine) publishLocked(gen uint64, state State) State {
	m.value.Store(Snapshot{State: state, Profile: m.profile, Generation: gen})
	m.metrics.RecordSessionTransition(strings.ToLower(string(state.Kind())))
	attrs := []any{slog.String("state", string(state.Kind())), slog.Uint64("generation", gen)}
	if m.current != nil {
		attrs = append(attrs, slog.String("user_id", m.current.ID))
	}
	m.logger.Debug("session state published", attrs...)
	return state
}

// fetchProfile はプロフィールを取得する。存在しない場合は(nil, nil)を返す。
func (m *Machine) fetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	start := time.Now()
	profile, err := m.profiles.FindByID(ctx, userID)
	m.metrics.RecordStoreLatency("profile_fetch", time.Since(start))
	if err != nil {
		m.logger.Error("failed to fetch profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileFetchFailureError(err.Error())
	}
	return profile, nil
}

// sendVerificationAsync は確認メールの送信を開始し、完了を待てるPendingを返す。
// 呼び出し元のリクエストが終了しても送信は継続する。
func (m *Machine) sendVerificationAsync(ctx context.Context, identity *model.Identity) *Pending {
	p := &Pending{done: make(chan struct{})}
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(p.done)
		p.err = m.identity.SendVerificationEmail(sendCtx, identity)
		if p.err != nil {
			m.metrics.RecordVerificationEmail(metrics.ResultFailure)
			m.logger.Warn("verification email after sign-up failed",
				slog.String("user_id", identity.ID),
				slog.String("error", p.err.Error()),
			)
			return
		}
		m.metrics.RecordVerificationEmail(metrics.ResultSuccess)
	}()
	return p
}

// errorState はerrを利用者向けのError状態に変換する。
func errorState(err error) Error {
	if apiErr, ok := model.AsAPIError(err); ok {
		return Error{Message: apiErr.Message, Err: err}
	}
	return Error{Message: genericFailureMessage, Err: fmt.Errorf("session operation: %w", err)}
}

// Pending はサインアップ時の確認メール送信の完了を表す。
type Pending struct {
	done chan struct{}
	err  error
}

// Done は送信完了時に閉じられるチャネルを返す。
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait は送信の完了を待ち、その結果を返す。ctxが先に終了した場合はctx.Err()を返す。
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
