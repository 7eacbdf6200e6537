package remotefs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthFailureLimit is how many consecutive probe failures mark a session
// unhealthy.
const healthFailureLimit = 3

// latencyRingSize bounds the latency history used for the rolling average.
const latencyRingSize = 10

// ConnectionHealth is a point-in-time snapshot of a monitored session.
type ConnectionHealth struct {
	HostID         string
	LastCheck      time.Time
	Failures       int
	AverageLatency time.Duration
	Healthy        bool
	LastError      string
}

// healthMonitor runs a periodic lightweight liveness probe against one
// session's transport and keeps a bounded latency history. Three consecutive
// failures, or a rolling average above the latency limit, flag the session
// for a full reconnect on next use.
type healthMonitor struct {
	hostID       string
	interval     time.Duration
	latencyLimit time.Duration
	probe        func(ctx context.Context) error
	logger       *zap.Logger

	mu        sync.Mutex
	lastCheck time.Time
	failures  int
	latencies [latencyRingSize]time.Duration
	count     int
	next      int
	healthy   bool
	lastErr   string

	stopOnce sync.Once
	stop     chan struct{}
}

func newHealthMonitor(hostID string, interval, latencyLimit time.Duration, probe func(ctx context.Context) error, logger *zap.Logger) *healthMonitor {
	return &healthMonitor{
		hostID:       hostID,
		interval:     interval,
		latencyLimit: latencyLimit,
		probe:        probe,
		logger:       logger,
		healthy:      true,
		stop:         make(chan struct{}),
	}
}

// start launches the probe loop. Stopped via close().
func (m *healthMonitor) start() {
	go m.loop()
}

func (m *healthMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stop:
			return
		}
	}
}

// check runs one probe and records the outcome.
func (m *healthMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	start := time.Now()
	err := m.probe(ctx)
	latency := time.Since(start)

	if err != nil {
		m.recordFailure(err)
		return
	}
	m.recordSuccess(latency)
}

func (m *healthMonitor) recordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCheck = time.Now()
	m.failures = 0
	m.lastErr = ""
	m.latencies[m.next] = latency
	m.next = (m.next + 1) % latencyRingSize
	if m.count < latencyRingSize {
		m.count++
	}
}

func (m *healthMonitor) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCheck = time.Now()
	m.failures++
	m.lastErr = err.Error()

	if m.failures >= healthFailureLimit && m.healthy {
		m.healthy = false
		m.logger.Warn("session marked unhealthy",
			zap.String("host", m.hostID),
			zap.Int("consecutive_failures", m.failures),
			zap.Error(err))
	}
}

// averageLatency returns the rolling average over the recorded history.
func (m *healthMonitor) averageLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLatencyLocked()
}

func (m *healthMonitor) averageLatencyLocked() time.Duration {
	if m.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < m.count; i++ {
		total += m.latencies[i]
	}
	return total / time.Duration(m.count)
}

// needsReconnect reports whether the session should be dropped and fully
// reconnected on next use: either unhealthy, or degraded past the latency
// limit even without outright failures.
func (m *healthMonitor) needsReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.healthy {
		return true
	}
	if m.count > 0 && m.averageLatencyLocked() > m.latencyLimit {
		return true
	}
	return false
}

// snapshot returns the current health state.
func (m *healthMonitor) snapshot() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ConnectionHealth{
		HostID:         m.hostID,
		LastCheck:      m.lastCheck,
		Failures:       m.failures,
		AverageLatency: m.averageLatencyLocked(),
		Healthy:        m.healthy,
		LastError:      m.lastErr,
	}
}

// close stops the probe loop.
func (m *healthMonitor) close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
