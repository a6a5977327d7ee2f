package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Connect stage names observed by the voice controller.
const (
	StagePersonalityLookup = "personality_lookup"
	StageSessionCreate     = "session_create"
	StageChannelOpen       = "channel_open"
	StageConfigSent        = "config_sent"
	StageCaptureStart      = "capture_start"
	StageConnectTotal      = "connect_total"
)

// p95 latency targets in milliseconds; stages not listed have none.
var connectStageTargets = map[string]float64{
	StagePersonalityLookup: 80,
	StageSessionCreate:     120,
	StageChannelOpen:       600,
	StageConfigSent:        20,
	StageCaptureStart:      250,
	StageConnectTotal:      1200,
}

// StageStats summarizes the retained samples of one connect stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

// Indicator counts lifecycle incidents such as cancelled connects.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// latencyRing keeps the most recent samples of one stage.
type latencyRing struct {
	buf   []float64
	head  int
	count int
}

func (r *latencyRing) push(ms float64) {
	r.buf[r.head] = ms
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *latencyRing) latest() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

// ordered returns a sorted copy of the retained samples.
func (r *latencyRing) ordered() []float64 {
	out := make([]float64, r.count)
	if r.count < len(r.buf) {
		copy(out, r.buf[:r.count])
	} else {
		copy(out, r.buf)
	}
	slices.Sort(out)
	return out
}

type stageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if r.count == 0 {
			continue
		}
		samples := r.ordered()
		target := connectStageTargets[stage]
		var sum float64
		over := 0
		for _, v := range samples {
			sum += v
			if target > 0 && v > target {
				over++
			}
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(r.latest()),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(nearestRank(samples, 0.50)),
			P95MS:       round2(nearestRank(samples, 0.95)),
			P99MS:       round2(nearestRank(samples, 0.99)),
			TargetP95MS: target,
			OverTarget:  over,
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: n})
		}
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// nearestRank picks the smallest sample with at least q of the set at or below it.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
