package metrics

import (
	"slices"
	"sync"
	"time"
)

// maxSamples bounds the latency window kept per backend.
const maxSamples = 1000

// Metrics holds per-backend counters. All methods are safe for
// concurrent use.
type Metrics struct {
	mutex     sync.RWMutex
	backends  map[string]*backendStats
	startTime time.Time
}

type backendStats struct {
	requests      int64
	timeouts      int64
	launches      int64
	stops         int64
	startFailures int64
	running       bool
	latencies     []time.Duration
	statusCodes   map[int]int64
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	Backends      map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Requests      int64         `json:"requests"`
	Timeouts      int64         `json:"timeouts"`
	Launches      int64         `json:"launches"`
	Stops         int64         `json:"stops"`
	StartFailures int64         `json:"start_failures"`
	Running       bool          `json:"running"`
	AvgResponse   time.Duration `json:"avg_response"`
	P50Response   time.Duration `json:"p50_response"`
	P95Response   time.Duration `json:"p95_response"`
	P99Response   time.Duration `json:"p99_response"`
	StatusCodes   map[int]int64 `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		backends:  make(map[string]*backendStats),
		startTime: time.Now(),
	}
}

func (m *Metrics) update(backend string, fn func(*backendStats)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.backends[backend]
	if !ok {
		s = &backendStats{statusCodes: make(map[int]int64)}
		m.backends[backend] = s
	}
	fn(s)
}

func (m *Metrics) IncrementRequests(backend string) {
	m.update(backend, func(s *backendStats) { s.requests++ })
}

func (m *Metrics) RecordTimeout(backend string) {
	m.update(backend, func(s *backendStats) { s.timeouts++ })
}

func (m *Metrics) RecordLaunch(backend string) {
	m.update(backend, func(s *backendStats) {
		s.launches++
		s.running = true
	})
}

func (m *Metrics) RecordStop(backend string) {
	m.update(backend, func(s *backendStats) {
		s.stops++
		s.running = false
	})
}

func (m *Metrics) RecordStartFailure(backend string) {
	m.update(backend, func(s *backendStats) {
		s.startFailures++
		s.running = false
	})
}

func (m *Metrics) RecordResponse(backend string, duration time.Duration, statusCode int) {
	m.update(backend, func(s *backendStats) {
		s.latencies = append(s.latencies, duration)
		if len(s.latencies) > maxSamples {
			s.latencies = s.latencies[1:]
		}
		s.statusCodes[statusCode]++
	})
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Backends: make(map[string]BackendMetrics, len(m.backends)),
	}

	for name, s := range m.backends {
		snap.TotalRequests += s.requests

		bm := BackendMetrics{
			Requests:      s.requests,
			Timeouts:      s.timeouts,
			Launches:      s.launches,
			Stops:         s.stops,
			StartFailures: s.startFailures,
			Running:       s.running,
			StatusCodes:   make(map[int]int64, len(s.statusCodes)),
		}
		for code, n := range s.statusCodes {
			bm.StatusCodes[code] = n
		}

		if len(s.latencies) > 0 {
			sorted := slices.Clone(s.latencies)
			slices.Sort(sorted)

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[name] = bm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := min(int(float64(len(sorted))*p), len(sorted)-1)
	return sorted[index]
}
