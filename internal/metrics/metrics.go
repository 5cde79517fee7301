// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// バックエンドクライアント、確認トークンストア、メール送信、ワーカーから利用する。
type MetricsCollector interface {
	RecordBackendCall(op, outcome string, duration time.Duration)
	RecordConfirmationIssued(purpose string)
	RecordConfirmationRedeemed(purpose, outcome string)
	RecordMailSent(mode string)
	RecordMailFailure(reason string)
	RecordTaskOutcome(outcome string)
	RecordLockWait(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	issued         *prometheus.CounterVec
	redeemed       *prometheus.CounterVec
	mailSent       *prometheus.CounterVec
	mailFail       *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	lockWait       prometheus.Histogram
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_backend_calls_total",
			Help: "バックエンド操作の呼び出し数（操作・結果別）",
		}, []string{"op", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xmppaccount_backend_latency_seconds",
			Help:    "バックエンド操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_confirmations_issued_total",
			Help: "発行された確認トークン数",
		}, []string{"purpose"}),
		redeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_confirmations_redeemed_total",
			Help: "確認トークンの引き換え試行数（結果別）",
		}, []string{"purpose", "outcome"}),
		mailSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_mail_sent_total",
			Help: "送信したメール数（plain/signed/encrypted別）",
		}, []string{"mode"}),
		mailFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_mail_fail_total",
			Help: "メール送信失敗数",
		}, []string{"reason"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_dispatch_tasks_total",
			Help: "通知タスクの処理結果",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xmppaccount_keyring_lock_wait_seconds",
			Help:    "キーリングロック取得までの待ち時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmppaccount_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.backendCalls,
		c.backendLatency,
		c.issued,
		c.redeemed,
		c.mailSent,
		c.mailFail,
		c.tasks,
		c.lockWait,
		c.httpStatus,
	)

	return c
}

// RecordBackendCall はバックエンド操作の結果とレイテンシを記録する。
func (c *Collector) RecordBackendCall(op, outcome string, duration time.Duration) {
	c.backendCalls.WithLabelValues(op, outcome).Inc()
	c.backendLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordConfirmationIssued は確認トークンの発行を記録する。
func (c *Collector) RecordConfirmationIssued(purpose string) {
	c.issued.WithLabelValues(purpose).Inc()
}

// RecordConfirmationRedeemed は確認トークンの引き換え結果を記録する。
func (c *Collector) RecordConfirmationRedeemed(purpose, outcome string) {
	c.redeemed.WithLabelValues(purpose, outcome).Inc()
}

// RecordMailSent はメール送信を記録する。
func (c *Collector) RecordMailSent(mode string) {
	c.mailSent.WithLabelValues(mode).Inc()
}

// RecordMailFailure はメール送信失敗を記録する。
func (c *Collector) RecordMailFailure(reason string) {
	c.mailFail.WithLabelValues(reason).Inc()
}

// RecordTaskOutcome は通知タスクの処理結果を記録する。
func (c *Collector) RecordTaskOutcome(outcome string) {
	c.tasks.WithLabelValues(outcome).Inc()
}

// RecordLockWait はロック取得の待ち時間を記録する。
func (c *Collector) RecordLockWait(duration time.Duration) {
	c.lockWait.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わないコマンドやテストで使う。
type Nop struct{}

func (Nop) RecordBackendCall(string, string, time.Duration) {}
func (Nop) RecordConfirmationIssued(string)                 {}
func (Nop) RecordConfirmationRedeemed(string, string)       {}
func (Nop) RecordMailSent(string)                           {}
func (Nop) RecordMailFailure(string)                        {}
func (Nop) RecordTaskOutcome(string)                        {}
func (Nop) RecordLockWait(time.Duration)                    {}
func (Nop) RecordHTTPStatus(int)                            {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
