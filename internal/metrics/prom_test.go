package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	RecordConnectAttempt(true)
	RecordConnectAttempt(false)
	RecordFrame()
	RecordPush()
	RecordDrop(3)
	RecordDecodeError("shape_mismatch")
	SetBridgeState("streaming", []string{"disconnected", "connected_waiting", "streaming"})

	if v := testutil.ToFloat64(connectAttempts.WithLabelValues("success")); v != 1 {
		t.Fatalf("connect attempts success: %v", v)
	}
	if v := testutil.ToFloat64(connectAttempts.WithLabelValues("error")); v != 1 {
		t.Fatalf("connect attempts error: %v", v)
	}
	if v := testutil.ToFloat64(samplesDropped); v != 3 {
		t.Fatalf("samples dropped: %v", v)
	}
	if v := testutil.ToFloat64(decodeErrors.WithLabelValues("shape_mismatch")); v != 1 {
		t.Fatalf("decode errors: %v", v)
	}
	if v := testutil.ToFloat64(bridgeState.WithLabelValues("streaming")); v != 1 {
		t.Fatalf("state gauge streaming: %v", v)
	}
	if v := testutil.ToFloat64(bridgeState.WithLabelValues("disconnected")); v != 0 {
		t.Fatalf("state gauge disconnected: %v", v)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
}
