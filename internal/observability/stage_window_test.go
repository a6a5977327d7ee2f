package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageChannelOpen, 300)
	w.Observe(StageChannelOpen, 500)
	w.Observe(StageChannelOpen, 700)
	w.ObserveIndicator("connect_cancelled")
	w.ObserveIndicator("connect_cancelled")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageChannelOpen {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageChannelOpen)
	}
	if s.Samples != 3 || s.LastMS != 700 || s.P50MS != 500 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P95MS <= 500 || s.P95MS > 700 {
		t.Fatalf("P95MS = %.2f, want (500,700]", s.P95MS)
	}
	if s.TargetP95MS != 600 || s.OverTarget != 1 {
		t.Fatalf("TargetP95MS = %.2f OverTarget = %d, want 600 and 1", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageConfigSent, 1)
	w.Observe(StageConfigSent, 2)
	w.Observe(StageConfigSent, 9)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 5.5 || s.LastMS != 9 || s.P50MS != 2 {
		t.Fatalf("unexpected stats after wrap: %+v", s)
	}
}

func TestMetricsRecordOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test_voice", reg)

	m.ObserveConnect("ok")
	m.ObserveAudioChunk("sent")
	m.ObserveAudioChunk("sent")
	m.ObserveStoreError("insert_response")
	m.ObserveConnectLatency(250 * time.Millisecond)

	if got := testutil.ToFloat64(m.AudioChunks.WithLabelValues("sent")); got != 2 {
		t.Fatalf("audio_chunks_total{sent} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues("insert_response")); got != 1 {
		t.Fatalf("store_errors_total = %v, want 1", got)
	}
	if err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP test_voice_connect_attempts_total Voice connection attempts by result.
# TYPE test_voice_connect_attempts_total counter
test_voice_connect_attempts_total{result="ok"} 1
`), "test_voice_connect_attempts_total"); err != nil {
		t.Fatalf("GatherAndCompare() error = %v", err)
	}

	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != StageConnectTotal {
		t.Fatalf("unexpected stages: %+v", snap.Stages)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveConnect("ok")
	m.ObserveAudioChunk("dropped")
	m.ObserveStage(StageChannelOpen, time.Millisecond)
	m.SetActiveConnections(1)
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot stages = %v, want empty", snap.Stages)
	}
}
