package router

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/build"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// startupGrace is how long after Start no congestion flag is advertised.
const startupGrace = time.Minute

// CongestionSampler reports the load ratios the monitor averages. Every
// ratio lies in [0, 1].
type CongestionSampler interface {
	ParticipatingRatio() float64
	BandwidthRatio() float64
	ConnectionRatio() float64
	// AcceptingTunnels is false when the router refuses all transit work.
	AcceptingTunnels() bool
}

type loadSample struct {
	at            time.Time
	participating float64
	bandwidth     float64
	connections   float64
}

// CongestionMonitor keeps a rolling average of router load and derives the
// D/E/G congestion flag from it. Flags only drop once the average falls
// below the matching clear threshold.
//
// Admission control treats the G flag as the local congestion self-flag.
type CongestionMonitor struct {
	cfg     config.CongestionDefaults
	sampler CongestionSampler
	clock   monotonic.Source

	mu         sync.RWMutex
	samples    []loadSample
	maxSamples int
	flag       config.CongestionFlag
	forced     bool
	startedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ build.Congestion = (*CongestionMonitor)(nil)

// NewCongestionMonitor creates a stopped monitor. A nil sampler reports
// an idle router.
func NewCongestionMonitor(cfg config.CongestionDefaults, sampler CongestionSampler, clock monotonic.Source) *CongestionMonitor {
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = time.Second
		cfg.SampleInterval = interval
	}
	maxSamples := int(cfg.AveragingWindow / interval)
	if maxSamples < 10 {
		maxSamples = 10
	}
	if sampler == nil {
		sampler = idleSampler{}
	}
	return &CongestionMonitor{
		cfg:        cfg,
		sampler:    sampler,
		clock:      clock,
		samples:    make([]loadSample, 0, maxSamples),
		maxSamples: maxSamples,
		flag:       config.CongestionFlagNone,
		startedAt:  clock.Now(),
	}
}

// Start samples load every SampleInterval until ctx is done or Stop is called.
func (m *CongestionMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.startedAt = m.clock.Now()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample()
			case <-ctx.Done():
				return
			}
		}
	}()

	log.WithFields(logger.Fields{
		"at":               "(CongestionMonitor) Start",
		"averaging_window": m.cfg.AveragingWindow,
		"max_samples":      m.maxSamples,
	}).Debug("congestion monitor started")
}

// Stop ends sampling. It is safe to call more than once.
func (m *CongestionMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Sample records the current load and re-evaluates the flag.
func (m *CongestionMonitor) Sample() {
	s := loadSample{
		at:            m.clock.Now(),
		participating: m.sampler.ParticipatingRatio(),
		bandwidth:     m.sampler.BandwidthRatio(),
		connections:   m.sampler.ConnectionRatio(),
	}
	accepting := m.sampler.AcceptingTunnels()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	if len(m.samples) > m.maxSamples {
		m.samples = m.samples[1:]
	}
	if m.forced {
		return
	}

	ratio := m.averageLocked()
	next := config.CongestionFlagG
	if accepting {
		next = m.next(ratio)
	}
	if next != m.flag {
		log.WithFields(logger.Fields{
			"at":       "(CongestionMonitor) Sample",
			"phase":    "tunnel_build",
			"old_flag": m.flag.String(),
			"new_flag": next.String(),
			"ratio":    ratio,
		}).Info("congestion flag changed")
		m.flag = next
	}
}

// averageLocked weights participation twice as heavily as bandwidth or
// connection saturation.
func (m *CongestionMonitor) averageLocked() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.samples {
		sum += s.participating*0.5 + s.bandwidth*0.25 + s.connections*0.25
	}
	return sum / float64(len(m.samples))
}

// next applies the hysteresis state machine to the averaged ratio.
func (m *CongestionMonitor) next(ratio float64) config.CongestionFlag {
	c := m.cfg
	switch m.flag {
	case config.CongestionFlagG:
		if ratio >= c.ClearGFlagThreshold {
			return config.CongestionFlagG
		}
		return m.byThreshold(ratio)
	case config.CongestionFlagE:
		switch {
		case ratio >= c.GFlagThreshold:
			return config.CongestionFlagG
		case ratio >= c.ClearEFlagThreshold:
			return config.CongestionFlagE
		case ratio >= c.DFlagThreshold:
			return config.CongestionFlagD
		}
		return config.CongestionFlagNone
	case config.CongestionFlagD:
		switch {
		case ratio >= c.GFlagThreshold:
			return config.CongestionFlagG
		case ratio >= c.EFlagThreshold:
			return config.CongestionFlagE
		case ratio >= c.ClearDFlagThreshold:
			return config.CongestionFlagD
		}
		return config.CongestionFlagNone
	default:
		return m.byThreshold(ratio)
	}
}

func (m *CongestionMonitor) byThreshold(ratio float64) config.CongestionFlag {
	switch {
	case ratio >= m.cfg.GFlagThreshold:
		return config.CongestionFlagG
	case ratio >= m.cfg.EFlagThreshold:
		return config.CongestionFlagE
	case ratio >= m.cfg.DFlagThreshold:
		return config.CongestionFlagD
	}
	return config.CongestionFlagNone
}

// Flag returns the flag to advertise. Nothing is advertised during the
// first minute after Start.
func (m *CongestionMonitor) Flag() config.CongestionFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.clock.Now().Sub(m.startedAt) < startupGrace && !m.forced {
		return config.CongestionFlagNone
	}
	return m.flag
}

// IsCongested reports whether transit requests are refused outright.
func (m *CongestionMonitor) IsCongested() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flag == config.CongestionFlagG
}

// Ratio returns the current rolling average.
func (m *CongestionMonitor) Ratio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLocked()
}

// Samples returns how many samples are in the window.
func (m *CongestionMonitor) Samples() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}

// Force pins the flag until ClearForce is called.
func (m *CongestionMonitor) Force(flag config.CongestionFlag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flag = flag
	m.forced = true

	log.WithFields(logger.Fields{
		"at":   "(CongestionMonitor) Force",
		"flag": flag.String(),
	}).Warn("congestion flag manually forced")
}

// ClearForce resumes deriving the flag from samples.
func (m *CongestionMonitor) ClearForce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = false
}

type idleSampler struct{}

func (idleSampler) ParticipatingRatio() float64 { return 0 }
func (idleSampler) BandwidthRatio() float64     { return 0 }
func (idleSampler) ConnectionRatio() float64    { return 0 }
func (idleSampler) AcceptingTunnels() bool      { return true }

// LoadSampler derives congestion ratios from counters of the running
// router. Unset functions read as zero.
type LoadSampler struct {
	Participating    func() int
	MaxParticipating int
	// BytesPerSecond returns the busier direction's current rate.
	BytesPerSecond func() uint64
	MaxKBps        int
	Connections    func() int
	MaxConnections int
	Accepting      func() bool
}

var _ CongestionSampler = (*LoadSampler)(nil)

func ratio(n, max float64) float64 {
	if max <= 0 || n <= 0 {
		return 0
	}
	if r := n / max; r < 1 {
		return r
	}
	return 1
}

func (s *LoadSampler) ParticipatingRatio() float64 {
	if s.Participating == nil {
		return 0
	}
	return ratio(float64(s.Participating()), float64(s.MaxParticipating))
}

func (s *LoadSampler) BandwidthRatio() float64 {
	if s.BytesPerSecond == nil {
		return 0
	}
	return ratio(float64(s.BytesPerSecond()), float64(s.MaxKBps)*1024)
}

func (s *LoadSampler) ConnectionRatio() float64 {
	if s.Connections == nil {
		return 0
	}
	return ratio(float64(s.Connections()), float64(s.MaxConnections))
}

func (s *LoadSampler) AcceptingTunnels() bool {
	return s.Accepting == nil || s.Accepting()
}
