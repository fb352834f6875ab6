// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 操作結果のラベル値
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション状態機械、依頼ライフサイクル管理、HTTP層から利用する。
type MetricsCollector interface {
	RecordSessionTransition(state string)
	RecordRequestOperation(operation, result string)
	RecordAcceptConflict()
	RecordVerificationEmail(result string)
	RecordStoreLatency(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionTransitions *prometheus.CounterVec
	requestOperations  *prometheus.CounterVec
	acceptConflicts    prometheus.Counter
	verificationEmails *prometheus.CounterVec
	storeLatency       *prometheus.HistogramVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_session_transitions_total",
			Help: "公開されたセッション状態の遷移数（状態別）",
		}, []string{"state"}),
		requestOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_request_operations_total",
			Help: "配達依頼に対する操作数（操作・結果別）",
		}, []string{"operation", "result"}),
		acceptConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "letsgo_accept_conflicts_total",
			Help: "他のドライバーが先に受諾していたため失敗した受諾の合計数",
		}),
		verificationEmails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_verification_emails_total",
			Help: "確認メール送信の試行数（結果別）",
		}, []string{"result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "letsgo_store_latency_seconds",
			Help:    "ストア操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsgo_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sessionTransitions,
		c.requestOperations,
		c.acceptConflicts,
		c.verificationEmails,
		c.storeLatency,
		c.httpStatus,
	)

	return c
}

// RecordSessionTransition はセッション状態の公開を記録する。
func (c *Collector) RecordSessionTransition(state string) {
	c.sessionTransitions.WithLabelValues(state).Inc()
}

// RecordRequestOperation は依頼操作の結果を記録する。
func (c *Collector) RecordRequestOperation(operation, result string) {
	c.requestOperations.WithLabelValues(operation, result).Inc()
}

// RecordAcceptConflict は受諾競合を記録する。
func (c *Collector) RecordAcceptConflict() {
	c.acceptConflicts.Inc()
}

// RecordVerificationEmail は確認メール送信の結果を記録する。
func (c *Collector) RecordVerificationEmail(result string) {
	c.verificationEmails.WithLabelValues(result).Inc()
}

// RecordStoreLatency はストア操作のレイテンシを記録する。
func (c *Collector) RecordStoreLatency(operation string, duration time.Duration) {
	c.storeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordSessionTransition(string)           {}
func (Nop) RecordRequestOperation(string, string)    {}
func (Nop) RecordAcceptConflict()                    {}
func (Nop) RecordVerificationEmail(string)           {}
func (Nop) RecordStoreLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
