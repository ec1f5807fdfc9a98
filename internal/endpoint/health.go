package endpoint

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthStatus is the coarse classification a sample is bucketed into
// (spec §4.9).
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSample is one point in the health monitor's ring buffer.
type HealthSample struct {
	Timestamp  time.Time    `json:"timestamp"`
	HeapAlloc  uint64       `json:"heap_alloc_bytes"`
	Sys        uint64       `json:"sys_bytes"`
	NumGC      uint32       `json:"num_gc"`
	Goroutines int          `json:"goroutines"`
	UptimeS    float64      `json:"uptime_s"`
	Status     HealthStatus `json:"status"`
}

// thresholds classifying a sample's status; RSS proxy via Sys since the
// standard library exposes no cross-platform RSS reader (spec §4.9).
const (
	degradedSysBytes    = 512 * 1024 * 1024
	unhealthySysBytes   = 1024 * 1024 * 1024
	degradedGoroutines  = 2000
	unhealthyGoroutines = 5000
)

// HealthMonitor periodically samples process health into a bounded ring,
// the only part of the endpoint with no teacher grounding for its metric
// *source*: the example pack carries no gopsutil-style cross-platform
// sampler, so this reads runtime.MemStats and runtime.NumGoroutine()
// directly rather than reaching for a third-party library that isn't in
// the corpus.
type HealthMonitor struct {
	startedAt time.Time
	intervalNS atomic.Int64 // time.Duration, live-updatable by config reload

	mu      sync.Mutex
	samples []HealthSample
	ringPos int
	ringLen int

	heapGauge  prometheus.Gauge
	goroutines prometheus.Gauge
}

// NewHealthMonitor builds a monitor with a ring of ringSize samples.
func NewHealthMonitor(interval time.Duration, ringSize int) *HealthMonitor {
	if ringSize <= 0 {
		ringSize = 120
	}
	hm := &HealthMonitor{
		startedAt: time.Now(),
		samples:   make([]HealthSample, ringSize),
		heapGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionfabric_endpoint_heap_alloc_bytes",
			Help: "Endpoint process heap allocation in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionfabric_endpoint_goroutines",
			Help: "Endpoint process goroutine count.",
		}),
	}
	// A later monitor in the same process reuses the gauges registered by the
	// first one instead of failing on a duplicate registration.
	for _, g := range []*prometheus.Gauge{&hm.heapGauge, &hm.goroutines} {
		if err := prometheus.Register(*g); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				*g = are.ExistingCollector.(prometheus.Gauge)
			}
		}
	}
	hm.intervalNS.Store(int64(interval))
	return hm
}

// Interval returns the current sampling cadence.
func (hm *HealthMonitor) Interval() time.Duration {
	return time.Duration(hm.intervalNS.Load())
}

// SetInterval changes the sampling cadence without restarting Run, applied
// on config hot reload (spec §4.11.2).
func (hm *HealthMonitor) SetInterval(d time.Duration) {
	hm.intervalNS.Store(int64(d))
}

// Run samples on interval until stop is closed, re-reading the interval
// every cycle so SetInterval takes effect on the next tick.
func (hm *HealthMonitor) Run(stop <-chan struct{}) {
	hm.sample()
	for {
		timer := time.NewTimer(hm.Interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			hm.sample()
		}
	}
}

func (hm *HealthMonitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()

	s := HealthSample{
		Timestamp:  time.Now(),
		HeapAlloc:  ms.HeapAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: goroutines,
		UptimeS:    time.Since(hm.startedAt).Seconds(),
		Status:     classify(ms.Sys, goroutines),
	}

	hm.heapGauge.Set(float64(ms.HeapAlloc))
	hm.goroutines.Set(float64(goroutines))

	hm.mu.Lock()
	hm.samples[hm.ringPos] = s
	hm.ringPos = (hm.ringPos + 1) % len(hm.samples)
	if hm.ringLen < len(hm.samples) {
		hm.ringLen++
	}
	hm.mu.Unlock()
}

func classify(sysBytes uint64, goroutines int) HealthStatus {
	if sysBytes >= unhealthySysBytes || goroutines >= unhealthyGoroutines {
		return HealthUnhealthy
	}
	if sysBytes >= degradedSysBytes || goroutines >= degradedGoroutines {
		return HealthDegraded
	}
	return HealthHealthy
}

// Latest returns the most recent sample, or the zero value if none taken.
func (hm *HealthMonitor) Latest() HealthSample {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.ringLen == 0 {
		return HealthSample{}
	}
	idx := (hm.ringPos - 1 + len(hm.samples)) % len(hm.samples)
	return hm.samples[idx]
}

// History returns every sample currently in the ring, oldest first.
func (hm *HealthMonitor) History() []HealthSample {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	out := make([]HealthSample, 0, hm.ringLen)
	oldest := 0
	if hm.ringLen == len(hm.samples) {
		oldest = hm.ringPos
	}
	for i := 0; i < hm.ringLen; i++ {
		out = append(out, hm.samples[(oldest+i)%len(hm.samples)])
	}
	return out
}
