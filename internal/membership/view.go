// Package membership holds the cluster's shared view of who is in it and
// who is master. A view is read far more often than it is mutated, so reads
// never block on the mutation path: createRef returns an immutable snapshot
// that callers can hold onto across an RPC round-trip without racing a
// concurrent writeOn/writeOff/changeMaster.
package membership

import (
	"fmt"
	"sync"
)

// Endpoint is the immutable identity of a peer.
type Endpoint struct {
	ID   string
	IP   string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%s:%d)", e.ID, e.IP, e.Port)
}

// ChangeNotifier is notified whenever the elected master changes. The Master
// role implements this to switch its election/heartbeat timers.
type ChangeNotifier interface {
	OnChangeMaster(newMasterID string)
}

// Snapshot is a deep, frozen copy of a View at a point in time. It is safe
// for concurrent readers and never mutates after it is returned.
type Snapshot struct {
	Members map[string]Endpoint
	Master  *Endpoint
	Version uint32
}

// Peers returns every member other than self, in no particular order.
func (s Snapshot) Peers(self string) []Endpoint {
	peers := make([]Endpoint, 0, len(s.Members))
	for id, ep := range s.Members {
		if id != self {
			peers = append(peers, ep)
		}
	}
	return peers
}

// IsMaster reports whether id is the snapshot's master.
func (s Snapshot) IsMaster(id string) bool {
	return s.Master != nil && s.Master.ID == id
}

// View is the mutable, shared membership record. version is strictly
// monotonic: every successful writeOn/writeOff/changeMaster bumps it
// exactly once, which is what makes a stale heartbeat (carrying an old
// version) self-invalidating.
type View struct {
	mu       sync.Mutex
	members  map[string]Endpoint
	master   *Endpoint
	version  uint32
	notifier ChangeNotifier
}

// New builds a View seeded with the given members. self is always added.
func New(self Endpoint, peers []Endpoint) *View {
	members := make(map[string]Endpoint, len(peers)+1)
	members[self.ID] = self
	for _, p := range peers {
		members[p.ID] = p
	}
	return &View{members: members, version: 1}
}

// SetNotifier wires the Master role in after both are constructed, breaking
// the Master<->View construction cycle (see internal/paxos/registry.go).
func (v *View) SetNotifier(n ChangeNotifier) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notifier = n
}

// CreateRef returns a deep, frozen snapshot safe for concurrent readers.
func (v *View) CreateRef() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *View) snapshotLocked() Snapshot {
	members := make(map[string]Endpoint, len(v.members))
	for id, ep := range v.members {
		members[id] = ep
	}
	var master *Endpoint
	if v.master != nil {
		m := *v.master
		master = &m
	}
	return Snapshot{Members: members, Master: master, Version: v.version}
}

// WriteOn adds or replaces a member and bumps the version.
func (v *View) WriteOn(ep Endpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.members[ep.ID] = ep
	v.version++
}

// WriteOff removes a member and bumps the version. Removing the current
// master does not itself trigger an election: the master continues
// heartbeating (to a now-smaller quorum) until its own liveness check fails.
func (v *View) WriteOff(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.members, id)
	v.version++
}

// ChangeMaster records a new master (must already be a member) and notifies
// the Master role outside the lock, so the notifier can safely call back
// into View.CreateRef without deadlocking.
func (v *View) ChangeMaster(id string) error {
	v.mu.Lock()
	ep, ok := v.members[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("membership: change master to unknown member %q", id)
	}
	v.master = &ep
	v.version++
	notifier := v.notifier
	v.mu.Unlock()

	if notifier != nil {
		notifier.OnChangeMaster(id)
	}
	return nil
}

// LoadSnap atomically replaces the view's contents, used after a state
// machine image load on boot.
func (v *View) LoadSnap(snap Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	members := make(map[string]Endpoint, len(snap.Members))
	for id, ep := range snap.Members {
		members[id] = ep
	}
	v.members = members
	if snap.Master != nil {
		m := *snap.Master
		v.master = &m
	} else {
		v.master = nil
	}
	v.version = snap.Version
}

// Quorum returns the majority threshold for the view's current size,
// floor(N/2)+1.
func (v *View) Quorum() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Majority(len(v.members))
}

// Majority computes the floor(N/2)+1 threshold used throughout the engine
// (1 of 1, 2 of 3, 3 of 4, 3 of 5).
func Majority(n int) int {
	return n/2 + 1
}
