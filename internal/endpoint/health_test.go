package endpoint

import (
	"testing"
	"time"
)

func TestClassifyThresholds(t *testing.T) {
	cases := []struct {
		sysBytes   uint64
		goroutines int
		want       HealthStatus
	}{
		{100, 10, HealthHealthy},
		{degradedSysBytes, 10, HealthDegraded},
		{100, degradedGoroutines, HealthDegraded},
		{unhealthySysBytes, 10, HealthUnhealthy},
		{100, unhealthyGoroutines, HealthUnhealthy},
	}
	for _, c := range cases {
		if got := classify(c.sysBytes, c.goroutines); got != c.want {
			t.Errorf("classify(%d, %d) = %q, want %q", c.sysBytes, c.goroutines, got, c.want)
		}
	}
}

func TestHealthMonitorSamplesAndClassifies(t *testing.T) {
	hm := NewHealthMonitor(10*time.Millisecond, 4)
	hm.sample()

	latest := hm.Latest()
	if latest.Timestamp.IsZero() {
		t.Fatal("expected a non-zero sample timestamp")
	}
	if latest.Status != HealthHealthy && latest.Status != HealthDegraded && latest.Status != HealthUnhealthy {
		t.Fatalf("expected a valid status, got %q", latest.Status)
	}
}

func TestHealthMonitorHistoryBounded(t *testing.T) {
	hm := NewHealthMonitor(time.Millisecond, 3)
	for i := 0; i < 10; i++ {
		hm.sample()
	}
	hist := hm.History()
	if len(hist) != 3 {
		t.Fatalf("expected history capped at ring size 3, got %d", len(hist))
	}
}

func TestHealthMonitorLatestOnEmptyRing(t *testing.T) {
	hm := NewHealthMonitor(time.Second, 4)
	if got := hm.Latest(); !got.Timestamp.IsZero() {
		t.Fatalf("expected the zero value before any sample, got %+v", got)
	}
}
