package stats

import (
	"encoding/json"
	"testing"
	"time"
)

func TestScopedCounters(t *testing.T) {
	stat := NewStatsReceiver()
	stat.Counter("requests").Inc(1)
	stat.Scope("runman").Counter("requests").Inc(2)

	if c := stat.Counter("requests").Count(); c != 1 {
		t.Errorf("Expected root counter to be 1, got %d", c)
	}
	if c := stat.Scope("runman").Counter("requests").Count(); c != 2 {
		t.Errorf("Expected scoped counter to be 2, got %d", c)
	}
}

func TestRender(t *testing.T) {
	stat := NewStatsReceiver()
	stat.Gauge("activeJobsGauge").Update(3)
	stat.Latency("pollLatency_ms").Record(5 * time.Millisecond)

	var out map[string]interface{}
	if err := json.Unmarshal(stat.Render(false), &out); err != nil {
		t.Fatalf("Render produced invalid json: %v", err)
	}
	if _, ok := out["activeJobsGauge"]; !ok {
		t.Errorf("Expected rendered stats to include activeJobsGauge, got %v", out)
	}
	if _, ok := out["pollLatency_ms"]; !ok {
		t.Errorf("Expected rendered stats to include pollLatency_ms, got %v", out)
	}
}

func TestSlashesInNames(t *testing.T) {
	stat := NewStatsReceiver()
	stat.Counter("errors", "qstat/timeout").Inc(1)
	if c := stat.Counter("errors", "qstat/timeout").Count(); c != 1 {
		t.Errorf("Expected slash-containing name to round trip, got %d", c)
	}
}
