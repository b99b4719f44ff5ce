package build

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/i2np"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/google/btree"
)

// maxIDAttempts bounds how often Insert redraws a colliding reply id.
const maxIDAttempts = 16

// PendingState is where a build attempt stands in the pending table.
type PendingState uint8

const (
	StateBuilding PendingState = iota
	StateGrace
	StateRetired
)

func (s PendingState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateGrace:
		return "grace"
	default:
		return "retired"
	}
}

// PendingBuild is one build attempt awaiting its reply.
type PendingBuild struct {
	Plan         *tunnel.CircuitPlan
	Codec        i2np.RecordCodec
	DispatchedAt time.Time
	// Deadline is when the attempt moves to the grace window.
	Deadline time.Time

	state       PendingState
	retiredFrom PendingState
}

// ID is the reply message id the attempt is keyed by.
func (p *PendingBuild) ID() uint32 {
	return p.Plan.ReplyMessageID
}

// WasGrace reports whether a retired attempt had already timed out.
func (p *PendingBuild) WasGrace() bool {
	return p.state == StateRetired && p.retiredFrom == StateGrace
}

type deadline struct {
	at    time.Time
	id    uint32
	build *PendingBuild
}

func deadlineLess(a, b deadline) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// PendingTable tracks in-flight build attempts by reply message id.
//
// An attempt is Building until its deadline, then Grace for GraceWindow,
// during which a late reply still credits the hops' reputation. Retire
// removes an attempt from either state exactly once.
type PendingTable struct {
	timeout time.Duration
	grace   time.Duration

	mu        sync.Mutex
	entries   map[uint32]*PendingBuild
	deadlines *btree.BTreeG[deadline]
	evictions *btree.BTreeG[deadline]
	building  int
	inGrace   int
}

// NewPendingTable creates an empty table.
func NewPendingTable(timeout, grace time.Duration) *PendingTable {
	return &PendingTable{
		timeout:   timeout,
		grace:     grace,
		entries:   make(map[uint32]*PendingBuild),
		deadlines: btree.NewG(8, deadlineLess),
		evictions: btree.NewG(8, deadlineLess),
	}
}

// Insert adds a Building entry for plan. When the plan's reply id is zero
// or already in use a new one is drawn from regen and written into the
// plan. It returns the id the attempt is keyed by.
func (t *PendingTable) Insert(plan *tunnel.CircuitPlan, codec i2np.RecordCodec, now time.Time, regen func() (uint32, error)) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; ; attempt++ {
		id := plan.ReplyMessageID
		if _, taken := t.entries[id]; id != 0 && !taken {
			break
		}
		if attempt == maxIDAttempts {
			return 0, ErrIDSpaceExhausted
		}
		next, err := regen()
		if err != nil {
			return 0, err
		}
		log.WithFields(logger.Fields{
			"at":     "(PendingTable) Insert",
			"phase":  "tunnel_build",
			"reason": "reply id collision",
			"old_id": id,
			"new_id": next,
		}).Debug("regenerated reply message id")
		plan.SetReplyMessageID(next)
	}

	pb := &PendingBuild{
		Plan:         plan,
		Codec:        codec,
		DispatchedAt: now,
		Deadline:     now.Add(t.timeout),
		state:        StateBuilding,
	}
	t.entries[pb.ID()] = pb
	t.deadlines.ReplaceOrInsert(deadline{at: pb.Deadline, id: pb.ID(), build: pb})
	t.building++
	return pb.ID(), nil
}

// Retire removes and returns the attempt keyed by id. A second call for
// the same attempt returns false.
func (t *PendingTable) Retire(id uint32) (*PendingBuild, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pb, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	t.retireLocked(pb)
	return pb, true
}

func (t *PendingTable) retireLocked(pb *PendingBuild) {
	switch pb.state {
	case StateBuilding:
		t.building--
	case StateGrace:
		t.inGrace--
	}
	pb.retiredFrom = pb.state
	pb.state = StateRetired
}

// ExpireDue moves every Building attempt whose deadline passed into the
// grace window and returns them for failure accounting.
func (t *PendingTable) ExpireDue(now time.Time) []*PendingBuild {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*PendingBuild
	for {
		d, ok := t.deadlines.Min()
		if !ok || d.at.After(now) {
			break
		}
		t.deadlines.DeleteMin()
		if t.entries[d.id] != d.build || d.build.state != StateBuilding {
			continue
		}
		d.build.state = StateGrace
		t.building--
		t.inGrace++
		t.evictions.ReplaceOrInsert(deadline{at: d.at.Add(t.grace), id: d.id, build: d.build})
		expired = append(expired, d.build)
	}
	return expired
}

// EvictGrace drops every attempt whose grace window ended.
func (t *PendingTable) EvictGrace(now time.Time) []*PendingBuild {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []*PendingBuild
	for {
		d, ok := t.evictions.Min()
		if !ok || d.at.After(now) {
			break
		}
		t.evictions.DeleteMin()
		if t.entries[d.id] != d.build || d.build.state != StateGrace {
			continue
		}
		delete(t.entries, d.id)
		t.retireLocked(d.build)
		evicted = append(evicted, d.build)
	}
	return evicted
}

// Drain retires every entry and returns those that were still Building.
func (t *PendingTable) Drain() []*PendingBuild {
	t.mu.Lock()
	defer t.mu.Unlock()

	var building []*PendingBuild
	for id, pb := range t.entries {
		if pb.state == StateBuilding {
			building = append(building, pb)
		}
		delete(t.entries, id)
		t.retireLocked(pb)
	}
	t.deadlines.Clear(false)
	t.evictions.Clear(false)
	return building
}

// Building returns the number of attempts awaiting their reply.
func (t *PendingTable) Building() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.building
}

// Grace returns the number of timed out attempts still accepting a reply.
func (t *PendingTable) Grace() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inGrace
}

// Contains reports whether id belongs to a pending attempt.
func (t *PendingTable) Contains(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}
