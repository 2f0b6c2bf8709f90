package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names observed per chat turn.
const (
	StageCompletion = "completion"
	StagePersist    = "persist"
	StageHistory    = "history_load"
	StageTurnTotal  = "turn_total"
)

// stageBudgets are the p95 latencies a healthy deployment stays under.
var stageBudgets = map[string]time.Duration{
	StageHistory:    300 * time.Millisecond,
	StagePersist:    250 * time.Millisecond,
	StageCompletion: 4 * time.Second,
	StageTurnTotal:  4500 * time.Millisecond,
}

type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_p95_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is the JSON body of the perf endpoint.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Events      []EventCount   `json:"events,omitempty"`
}

// latencyWindow keeps the most recent samples per stage in fixed rings, plus
// plain counters for notable events (failures, rejections).
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*ring
	events map[string]int
}

type ring struct {
	samples []time.Duration
	pos     int
	full    bool
	last    time.Duration
}

func (r *ring) add(d time.Duration) {
	r.samples[r.pos] = d
	r.last = d
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) values() []time.Duration {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	out := make([]time.Duration, n)
	copy(out, r.samples[:n])
	return out
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, rings: map[string]*ring{}, events: map[string]int{}}
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{samples: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.add(d)
}

func (w *latencyWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.events[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	w.rings = map[string]*ring{}
	w.events = map[string]int{}
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		vals := r.values()
		if len(vals) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, vals, r.last))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, n := range w.events {
		snap.Events = append(snap.Events, EventCount{Name: name, Count: n})
	}
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].Name < snap.Events[j].Name })
	return snap
}

func summarize(stage string, vals []time.Duration, last time.Duration) StageLatency {
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	var sum time.Duration
	for _, v := range vals {
		sum += v
	}
	out := StageLatency{
		Stage:   stage,
		Samples: len(vals),
		LastMS:  ms(last),
		AvgMS:   ms(sum / time.Duration(len(vals))),
		P50MS:   ms(nearestRank(vals, 0.50)),
		P95MS:   ms(nearestRank(vals, 0.95)),
		MaxMS:   ms(vals[len(vals)-1]),
	}
	if budget, ok := stageBudgets[stage]; ok {
		out.BudgetMS = ms(budget)
		for _, v := range vals {
			if v > budget {
				out.OverBudget++
			}
		}
	}
	return out
}

// nearestRank expects sorted input.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func ms(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
