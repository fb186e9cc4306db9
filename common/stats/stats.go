// Package stats provides a minimal StatsReceiver interface backed by
// go-metrics. Receivers can be scoped per component and rendered as JSON by
// the admin endpoints.
package stats

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Stats users can either reference this global receiver or construct their own.
var CurrentStatsReceiver StatsReceiver = NilStatsReceiver()

// StatsReceiver is a registry scoped to a name prefix. Hierarchical names are
// joined with '/'. Any '/' inside a name element is replaced rather than
// rejected since counter names are sometimes derived from error strings.
type StatsReceiver interface {
	// Scope returns a receiver that namespaces all stats under the given args.
	//
	//   stat.Scope("foo", "bar").Counter("baz")  // is equivalent to
	//   stat.Counter("foo", "bar", "baz")
	Scope(scope ...string) StatsReceiver

	// Counter provides an event counter.
	Counter(name ...string) Counter

	// Gauge holds an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// Latency records durations; Time().Stop() records the callsite latency.
	Latency(name ...string) Latency

	// Render marshals the current registry contents as JSON.
	Render(pretty bool) []byte
}

type Counter interface {
	Inc(i int64)
	Count() int64
}

type Gauge interface {
	Update(i int64)
	Value() int64
}

type Latency interface {
	Time() *CapturedLatency
	Record(d time.Duration)
	Mean() float64
}

// CapturedLatency is a single in-flight latency measurement.
type CapturedLatency struct {
	start time.Time
	lat   Latency
}

func (c *CapturedLatency) Stop() {
	c.lat.Record(time.Since(c.start))
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

// NewStatsReceiver creates a receiver with a fresh registry.
func NewStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver returns a receiver that records but is never rendered
// anywhere; useful as a default and in tests.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry(), scope: scope}
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) scopedName(name []string) string {
	elems := append(append([]string{}, s.scope...), name...)
	for i, e := range elems {
		elems[i] = strings.Replace(e, "/", "_SLASH_", -1)
	}
	return strings.Join(elems, "/")
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	g := s.registry.GetOrRegister(s.scopedName(name), metrics.NewGauge).(metrics.Gauge)
	return &gaugeAdapter{g}
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	mk := func() interface{} {
		return &latency{hist: metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015))}
	}
	return s.registry.GetOrRegister(s.scopedName(name), mk).(*latency)
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	out := map[string]interface{}{}
	s.registry.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		case *latency:
			out[name] = map[string]interface{}{
				"count":   v.hist.Count(),
				"mean_ms": v.Mean() / float64(time.Millisecond),
				"p99_ms":  v.hist.Percentile(0.99) / float64(time.Millisecond),
			}
		}
	})
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(out, "", "  ")
	} else {
		b, err = json.Marshal(out)
	}
	if err != nil {
		return []byte("{}")
	}
	return b
}

type gaugeAdapter struct {
	metrics.Gauge
}

func (g *gaugeAdapter) Update(i int64) { g.Gauge.Update(i) }
func (g *gaugeAdapter) Value() int64   { return g.Gauge.Value() }

type latency struct {
	mu   sync.Mutex
	hist metrics.Histogram
}

func (l *latency) Time() *CapturedLatency {
	return &CapturedLatency{start: time.Now(), lat: l}
}

func (l *latency) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.Update(int64(d))
}

func (l *latency) Mean() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hist.Mean()
}
