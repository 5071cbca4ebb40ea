package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// gatherCounter は指定名のカウンタのラベルなし値を取得する。
func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			if len(mf.GetMetric()) != 1 {
				t.Fatalf("expected 1 metric for %s, got %d", name, len(mf.GetMetric()))
			}
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("%s metric not found", name)
	return 0
}

// gatherLabeled は指定名のカウンタのラベル別の値を取得する。
func gatherLabeled(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			result := make(map[string]float64)
			for _, m := range mf.GetMetric() {
				label := ""
				if len(m.GetLabel()) > 0 {
					label = m.GetLabel()[0].GetValue()
				}
				result[label] = m.GetCounter().GetValue()
			}
			return result
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestRecordRefreshLifecycle_IncrementsCounters はリフレッシュ系カウンタが増加することを検証する。
func TestRecordRefreshLifecycle_IncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefreshScheduled()
	c.RecordRefreshScheduled()
	c.RecordRefreshSuccess()
	c.RecordRefreshFailure()

	if got := gatherCounter(t, reg, "tensei_refresh_scheduled_total"); got != 2 {
		t.Errorf("refresh_scheduled_total = %v, want 2", got)
	}
	if got := gatherCounter(t, reg, "tensei_refresh_success_total"); got != 1 {
		t.Errorf("refresh_success_total = %v, want 1", got)
	}
	if got := gatherCounter(t, reg, "tensei_refresh_fail_total"); got != 1 {
		t.Errorf("refresh_fail_total = %v, want 1", got)
	}
}

// TestRecordLogout_IncrementsCounterWithSourceLabel はログアウトカウンタが契機ラベル付きで増加することを検証する。
func TestRecordLogout_IncrementsCounterWithSourceLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogout("local")
	c.RecordLogout("local")
	c.RecordLogout("broadcast")

	got := gatherLabeled(t, reg, "tensei_logout_total")
	if got["local"] != 2 {
		t.Errorf("logout_total{source=local} = %v, want 2", got["local"])
	}
	if got["broadcast"] != 1 {
		t.Errorf("logout_total{source=broadcast} = %v, want 1", got["broadcast"])
	}
}

// TestRecordHandoff_IncrementsCounters は引き渡し系カウンタが増加することを検証する。
func TestRecordHandoff_IncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHandoffStashed()
	c.RecordHandoffConsumed()
	c.RecordHandoffFailure("malformed")
	c.RecordHandoffFailure("malformed")
	c.RecordHandoffFailure("missing")

	if got := gatherCounter(t, reg, "tensei_handoff_stashed_total"); got != 1 {
		t.Errorf("handoff_stashed_total = %v, want 1", got)
	}
	if got := gatherCounter(t, reg, "tensei_handoff_consumed_total"); got != 1 {
		t.Errorf("handoff_consumed_total = %v, want 1", got)
	}

	fails := gatherLabeled(t, reg, "tensei_handoff_fail_total")
	if fails["malformed"] != 2 {
		t.Errorf("handoff_fail_total{reason=malformed} = %v, want 2", fails["malformed"])
	}
	if fails["missing"] != 1 {
		t.Errorf("handoff_fail_total{reason=missing} = %v, want 1", fails["missing"])
	}
}

// TestRecordResolution_IncrementsCounterWithSourceLabel は解決カウンタがソースラベル付きで増加することを検証する。
func TestRecordResolution_IncrementsCounterWithSourceLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordResolution("explicit")
	c.RecordResolution("cold_start")
	c.RecordResolution("cold_start")

	got := gatherLabeled(t, reg, "tensei_resolution_total")
	if got["explicit"] != 1 {
		t.Errorf("resolution_total{source=explicit} = %v, want 1", got["explicit"])
	}
	if got["cold_start"] != 2 {
		t.Errorf("resolution_total{source=cold_start} = %v, want 2", got["cold_start"])
	}
}

// TestRecordBroadcast_IncrementsCounters はブロードキャスト系カウンタが増加することを検証する。
func TestRecordBroadcast_IncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcastPublished("logout")
	c.RecordBroadcastDelivered("logout")
	c.RecordBroadcastDelivered("logout")

	published := gatherLabeled(t, reg, "tensei_broadcast_published_total")
	if published["logout"] != 1 {
		t.Errorf("broadcast_published_total{topic=logout} = %v, want 1", published["logout"])
	}
	delivered := gatherLabeled(t, reg, "tensei_broadcast_delivered_total")
	if delivered["logout"] != 2 {
		t.Errorf("broadcast_delivered_total{topic=logout} = %v, want 2", delivered["logout"])
	}
}

// TestRecordStorageEntriesPurged_AddsCount はジャニターの削除数が加算されることを検証する。
func TestRecordStorageEntriesPurged_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStorageEntriesPurged(3)
	c.RecordStorageEntriesPurged(2)

	if got := gatherCounter(t, reg, "tensei_storage_entries_purged_total"); got != 5 {
		t.Errorf("storage_entries_purged_total = %v, want 5", got)
	}
}
