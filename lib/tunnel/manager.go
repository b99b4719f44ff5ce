package tunnel

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/util/time/monotonic"
)

// Manager is the in-memory dispatcher. It tracks the transit hops this
// router relays for, keyed by receive id, and the circuits this router
// owns, keyed by the id the local end receives on.
//
// Expired hop configs are removed by a background loop started by
// NewManager and stopped by Stop.
type Manager struct {
	hops          map[TunnelID]*HopConfig
	circuits      map[TunnelID]*CircuitPlan
	allocatedKBps int
	mu            sync.RWMutex

	clock           monotonic.Source
	cleanupInterval time.Duration

	// stopChan signals the cleanup goroutine to stop
	stopChan chan struct{}
	// stopOnce ensures Stop() is idempotent and safe to call multiple times
	stopOnce sync.Once
	// wg tracks background goroutines
	wg sync.WaitGroup
}

// NewManager creates a dispatcher and starts its cleanup loop.
func NewManager(clock monotonic.Source, cleanupInterval time.Duration) *Manager {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Manager{
		hops:            make(map[TunnelID]*HopConfig),
		circuits:        make(map[TunnelID]*CircuitPlan),
		clock:           clock,
		cleanupInterval: cleanupInterval,
		stopChan:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	log.WithFields(logger.Fields{
		"at":               "NewManager",
		"phase":            "tunnel_build",
		"reason":           "dispatcher initialized",
		"cleanup_interval": cleanupInterval,
	}).Debug("tunnel dispatcher started")
	return m
}

// RegisterParticipant registers hc as an intermediate hop. It returns
// false when the receive id is already in use.
func (m *Manager) RegisterParticipant(hc *HopConfig) bool {
	return m.register(hc, RoleParticipant)
}

// RegisterInboundGateway registers hc as the gateway of an inbound circuit.
func (m *Manager) RegisterInboundGateway(hc *HopConfig) bool {
	return m.register(hc, RoleInboundGateway)
}

// RegisterOutboundEndpoint registers hc as the endpoint of an outbound
// circuit.
func (m *Manager) RegisterOutboundEndpoint(hc *HopConfig) bool {
	return m.register(hc, RoleOutboundEndpoint)
}

func (m *Manager) register(hc *HopConfig, role Role) bool {
	if hc == nil || hc.ReceiveID == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hops[hc.ReceiveID]; exists {
		log.WithFields(logger.Fields{
			"at":        "Manager.register",
			"phase":     "tunnel_build",
			"reason":    "duplicate_tunnel_id",
			"tunnel_id": hc.ReceiveID,
			"role":      role.String(),
		}).Warn("hop already registered, rejecting duplicate")
		return false
	}

	hc.Role = role
	m.hops[hc.ReceiveID] = hc
	m.allocatedKBps += hc.AllocatedKBps
	log.WithFields(logger.Fields{
		"at":                "Manager.register",
		"phase":             "tunnel_build",
		"reason":            "registered_for_relay",
		"tunnel_id":         hc.ReceiveID,
		"role":              role.String(),
		"participant_count": len(m.hops),
	}).Debug("added transit hop")
	return true
}

// Remove unregisters hc. It returns false when hc is not the hop
// registered on its receive id, so a stale hop never removes a newer one
// that reuses the id.
func (m *Manager) Remove(hc *HopConfig) bool {
	if hc == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hops[hc.ReceiveID] != hc {
		return false
	}
	return m.removeLocked(hc.ReceiveID)
}

func (m *Manager) removeLocked(id TunnelID) bool {
	hc, exists := m.hops[id]
	if !exists {
		return false
	}
	delete(m.hops, id)
	m.allocatedKBps -= hc.AllocatedKBps
	return true
}

// HopConfig returns the hop receiving on id, or nil.
func (m *Manager) HopConfig(id TunnelID) *HopConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hops[id]
}

// ParticipatingCount is the number of registered transit hops.
func (m *Manager) ParticipatingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hops)
}

// AllocatedKBps is the bandwidth promised to registered transit hops.
func (m *Manager) AllocatedKBps() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocatedKBps
}

// localID is the id the local end of plan receives on.
func localID(plan *CircuitPlan) TunnelID {
	return plan.Hops[plan.SelfIndex()].ReceiveID
}

// AddCircuit makes one of our own circuits routable. It returns false
// when the local id is already taken.
func (m *Manager) AddCircuit(plan *CircuitPlan) bool {
	if plan == nil || len(plan.Hops) == 0 {
		return false
	}
	id := localID(plan)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.circuits[id]; exists {
		return false
	}
	m.circuits[id] = plan
	return true
}

// RemoveCircuit makes one of our own circuits unroutable.
func (m *Manager) RemoveCircuit(plan *CircuitPlan) bool {
	if plan == nil || len(plan.Hops) == 0 {
		return false
	}
	id := localID(plan)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.circuits[id] != plan {
		return false
	}
	delete(m.circuits, id)
	log.WithFields(logger.Fields{
		"at":        "Manager.RemoveCircuit",
		"phase":     "tunnel_build",
		"reason":    "circuit_expired",
		"tunnel_id": id,
		"direction": plan.Direction.String(),
	}).Debug("removed circuit from dispatcher")
	return true
}

// Circuit returns the owned circuit whose local end receives on id.
func (m *Manager) Circuit(id TunnelID) *CircuitPlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.circuits[id]
}

// CircuitCount is the number of routable owned circuits.
func (m *Manager) CircuitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.circuits)
}

// cleanupLoop periodically removes expired transit hops.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			log.WithFields(logger.Fields{
				"at":     "Manager.cleanupLoop",
				"reason": "shutdown_signal",
			}).Debug("tunnel dispatcher cleanup loop stopping")
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// CleanupExpired removes every transit hop past its expiration and
// returns how many were removed.
func (m *Manager) CleanupExpired() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []TunnelID
	for id, hc := range m.hops {
		if hc.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
	}

	if len(expired) > 0 {
		log.WithFields(logger.Fields{
			"at":        "Manager.CleanupExpired",
			"phase":     "tunnel_build",
			"reason":    "expiry_maintenance",
			"count":     len(expired),
			"remaining": len(m.hops),
		}).Debug("cleaned up expired transit hops")
	}
	return len(expired)
}

// Stop stops the cleanup loop and forgets every hop and circuit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()

	m.mu.Lock()
	count := len(m.hops)
	m.hops = make(map[TunnelID]*HopConfig)
	m.circuits = make(map[TunnelID]*CircuitPlan)
	m.allocatedKBps = 0
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":           "Manager.Stop",
		"reason":       "shutdown_complete",
		"cleared_hops": count,
	}).Debug("tunnel dispatcher stopped")
}
