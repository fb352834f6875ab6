// Package navigation はセッション状態から画面遷移を決定する。
package navigation

// Route は画面の識別子。
type Route string

const (
	RouteAuthRoot       Route = "AUTH_ROOT"
	RouteAuthChoice     Route = "AUTH_CHOICE"
	RouteLogin          Route = "LOGIN"
	RouteSignUp         Route = "SIGN_UP"
	RouteCustomerHome   Route = "CUSTOMER_HOME"
	RouteDriverHome     Route = "DRIVER_HOME"
	RouteNewRequest     Route = "NEW_REQUEST"
	RouteBrowseRequests Route = "BROWSE_REQUESTS"
	RouteVerifyEmail    Route = "VERIFY_EMAIL"
)

var knownRoutes = map[Route]struct{}{
	RouteAuthRoot:       {},
	RouteAuthChoice:     {},
	RouteLogin:          {},
	RouteSignUp:         {},
	RouteCustomerHome:   {},
	RouteDriverHome:     {},
	RouteNewRequest:     {},
	RouteBrowseRequests: {},
	RouteVerifyEmail:    {},
}

// ParseRoute は文字列からRouteを解析する。未知の値の場合はfalseを返す。
func ParseRoute(s string) (Route, bool) {
	r := Route(s)
	if _, ok := knownRoutes[r]; !ok {
		return "", false
	}
	return r, true
}

// isAuthEntry はサインイン前の入口画面かどうかを返す。
func (r Route) isAuthEntry() bool {
	switch r {
	case RouteAuthRoot, RouteAuthChoice, RouteLogin, RouteSignUp:
		return true
	}
	return false
}

// Command は画面遷移の指示。
// ClearHistoryがtrueの場合、遷移先以外の履歴を全て破棄する。
type Command struct {
	Route        Route `json:"route"`
	ClearHistory bool  `json:"clear_history"`
}
