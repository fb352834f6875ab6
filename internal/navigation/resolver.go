package navigation

import (
	"sync"

	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/session"
)

// Resolve はセッション状態・プロフィール・現在の画面から遷移先を決定する。
// 遷移不要の場合はfalseを返す。副作用を持たず、同じ入力には常に同じ結果を返す。
//
// 規則は上から順に評価する:
//  1. 未確認のSuccessでVERIFY_EMAIL以外にいる場合はVERIFY_EMAILへ
//  2. 確認済みのSuccessでプロフィールがあり、入口画面にいる場合はロール別のホームへ
//  3. IdleでAUTH_CHOICE/LOGIN/SIGN_UP以外にいる場合は履歴を破棄してAUTH_CHOICEへ
//  4. それ以外は遷移しない
func Resolve(state session.State, profile *model.Profile, current Route) (Command, bool) {
	switch s := state.(type) {
	case session.Success:
		if !s.EmailVerified {
			if current != RouteVerifyEmail {
				return Command{Route: RouteVerifyEmail}, true
			}
			return Command{}, false
		}
		if profile != nil && current.isAuthEntry() {
			if profile.IsDriver() {
				return Command{Route: RouteDriverHome}, true
			}
			return Command{Route: RouteCustomerHome}, true
		}
	case session.Idle:
		switch current {
		case RouteAuthChoice, RouteLogin, RouteSignUp:
		default:
			return Command{Route: RouteAuthChoice, ClearHistory: true}, true
		}
	}
	return Command{}, false
}

// Navigator は1つのクライアントの現在画面と直前に発行した遷移を保持し、
// 同じ遷移が連続して発行されないようにする。
type Navigator struct {
	mu      sync.Mutex
	current Route
	last    *Command
}

// NewNavigator は現在画面をinitialとしてNavigatorを生成する。
func NewNavigator(initial Route) *Navigator {
	return &Navigator{current: initial}
}

// Current は現在の画面を返す。
func (n *Navigator) Current() Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// SetRoute はクライアントから報告された現在画面を記録する。
func (n *Navigator) SetRoute(route Route) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = route
}

// Next はsnapshotを評価し、発行すべき遷移を返す。
// 直前に発行したものと同じ遷移は発行しない。発行した遷移の行き先を現在画面とみなす。
func (n *Navigator) Next(state session.State, profile *model.Profile) (Command, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cmd, ok := Resolve(state, profile, n.current)
	if !ok {
		n.last = nil
		return Command{}, false
	}
	if n.last != nil && *n.last == cmd {
		return Command{}, false
	}
	n.last = &cmd
	n.current = cmd.Route
	return cmd, true
}
