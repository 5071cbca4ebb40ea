// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションライフサイクル・引き渡し・継続性解決の各層から利用する。
type MetricsCollector interface {
	RecordRefreshScheduled()
	RecordRefreshSuccess()
	RecordRefreshFailure()
	RecordLogout(source string)
	RecordHandoffStashed()
	RecordHandoffConsumed()
	RecordHandoffFailure(reason string)
	RecordResolution(source string)
	RecordBroadcastPublished(topic string)
	RecordBroadcastDelivered(topic string)
	RecordStorageEntriesPurged(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	refreshScheduled     prometheus.Counter
	refreshSuccess       prometheus.Counter
	refreshFail          prometheus.Counter
	logouts              *prometheus.CounterVec
	handoffStashed       prometheus.Counter
	handoffConsumed      prometheus.Counter
	handoffFail          *prometheus.CounterVec
	resolutions          *prometheus.CounterVec
	broadcastPublished   *prometheus.CounterVec
	broadcastDelivered   *prometheus.CounterVec
	storageEntriesPurged prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensei_refresh_scheduled_total",
			Help: "スケジュールされた認証リフレッシュの合計数",
		}),
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensei_refresh_success_total",
			Help: "認証リフレッシュ成功の合計数",
		}),
		refreshFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensei_refresh_fail_total",
			Help: "認証リフレッシュ失敗の合計数",
		}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tensei_logout_total",
			Help: "契機（local/broadcast）別のログアウト数",
		}, []string{"source"}),
		handoffStashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensei_handoff_stashed_total",
			Help: "積まれた引き渡し対の合計数",
		}),
		handoffConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensei_handoff_consumed_total",
			Help: "消費された引き渡し対の合計数",
		}),
		handoffFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tensei_handoff_fail_total",
			Help: "理由別の引き渡し消費失敗数",
		}, []string{"reason"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tensei_resolution_total",
			Help: "採用された状態ソース別のゲーム画面初期化数",
		}, []string{"source"}),
		broadcastPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tensei_broadcast_published_total",
			Help: "トピック別のブロードキャスト送信数",
		}, []string{"topic"}),
		broadcastDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tensei_broadcast_delivered_total",
			Help: "トピック別のブロードキャスト受信数",
		}, []string{"topic"}),
		storageEntriesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensei_storage_entries_purged_total",
			Help: "ジャニターが削除したストレージエントリの合計数",
		}),
	}

	reg.MustRegister(
		c.refreshScheduled,
		c.refreshSuccess,
		c.refreshFail,
		c.logouts,
		c.handoffStashed,
		c.handoffConsumed,
		c.handoffFail,
		c.resolutions,
		c.broadcastPublished,
		c.broadcastDelivered,
		c.storageEntriesPurged,
	)

	return c
}

// RecordRefreshScheduled はリフレッシュタイマーの起動を記録する。
func (c *Collector) RecordRefreshScheduled() {
	c.refreshScheduled.Inc()
}

// RecordRefreshSuccess はリフレッシュ成功を記録する。
func (c *Collector) RecordRefreshSuccess() {
	c.refreshSuccess.Inc()
}

// RecordRefreshFailure はリフレッシュ失敗を記録する。
func (c *Collector) RecordRefreshFailure() {
	c.refreshFail.Inc()
}

// RecordLogout は契機別のログアウトを記録する。
func (c *Collector) RecordLogout(source string) {
	c.logouts.WithLabelValues(source).Inc()
}

// RecordHandoffStashed は引き渡し対が積まれたことを記録する。
func (c *Collector) RecordHandoffStashed() {
	c.handoffStashed.Inc()
}

// RecordHandoffConsumed は引き渡し対の消費成功を記録する。
func (c *Collector) RecordHandoffConsumed() {
	c.handoffConsumed.Inc()
}

// RecordHandoffFailure は引き渡し消費の失敗を理由別に記録する。
func (c *Collector) RecordHandoffFailure(reason string) {
	c.handoffFail.WithLabelValues(reason).Inc()
}

// RecordResolution は採用された状態ソースを記録する。
func (c *Collector) RecordResolution(source string) {
	c.resolutions.WithLabelValues(source).Inc()
}

// RecordBroadcastPublished はブロードキャスト送信を記録する。
func (c *Collector) RecordBroadcastPublished(topic string) {
	c.broadcastPublished.WithLabelValues(topic).Inc()
}

// RecordBroadcastDelivered はブロードキャスト受信を記録する。
func (c *Collector) RecordBroadcastDelivered(topic string) {
	c.broadcastDelivered.WithLabelValues(topic).Inc()
}

// RecordStorageEntriesPurged はジャニターが削除したエントリ数を記録する。
func (c *Collector) RecordStorageEntriesPurged(count int) {
	c.storageEntriesPurged.Add(float64(count))
}

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
