package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/middleware"
	"github.com/hitoshi/letsgo/internal/security"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	ClientFinder      middleware.ClientFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 運用
	HealthChecker HealthChecker
	Metrics       metrics.MetricsCollector
	Gatherer      prometheus.Gatherer

	// 認証
	Registry       ClientRegistry
	EmailConfirmer EmailConfirmer
	AuthConfig     AuthHandlerConfig

	// 入力の無害化
	Sanitizer security.TextSanitizer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → Metrics → CORS → Session → RateLimit(General)
//
// /health、/metrics、サインイン前の認証ルートはSession以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Registry, deps.EmailConfirmer, deps.Sanitizer, deps.AuthConfig)
	requestHandler := NewRequestHandler(deps.Sanitizer)
	streamHandler := NewSessionStreamHandler(deps.CORSAllowedOrigin)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authHandler.SignUp)
		r.Post("/login", authHandler.Login)
		r.Get("/verify", authHandler.Verify)
		// セッションが無効でもCookieをクリアするためチェーンの外に置く
		r.Post("/logout", authHandler.Logout)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.ClientFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/auth/state", authHandler.State)
		r.Post("/auth/verification/send", authHandler.SendVerification)
		r.Post("/auth/verification/check", authHandler.CheckVerification)

		r.Get("/ws/session", streamHandler.Stream)

		r.Route("/api/requests", func(r chi.Router) {
			r.Post("/", requestHandler.Create)
			r.Get("/open", requestHandler.ListOpen)
			r.Get("/mine", requestHandler.ListMine)

			r.Route("/{id}", func(r chi.Router) {
				// POST /api/requests/{id}/accept - 受諾（受諾専用レート制限を追加）
				r.With(deps.RateLimiter.AcceptMiddleware()).Post("/accept", requestHandler.Accept)
				r.Put("/status", requestHandler.UpdateStatus)
			})
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認するハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
