package clusterstate

import "sync"

// Store is the shared, concurrency-safe home for the two maps the rest of
// the system lives on: the locally-probed cluster state and the
// locally-fetched observer state. A single writer owns each entry (the
// monitor worker assigned to that peer), but the store still guards map
// mutation itself with a lock, since Go map writes are not safe to race
// even when individual keys are disjoint.
type Store struct {
	mu        sync.RWMutex
	cluster   map[string]DBState
	observers map[string]ObserverState
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		cluster:   make(map[string]DBState),
		observers: make(map[string]ObserverState),
	}
}

// PutPeer replaces (or creates) the DB state record for peerID.
func (s *Store) PutPeer(peerID string, state DBState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cluster[peerID] = state
}

// Peer returns the current DB state record for peerID, if any.
func (s *Store) Peer(peerID string) (DBState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cluster[peerID]
	return v.Clone(), ok
}

// PutObserver replaces (or creates) the observer state record for peerID.
func (s *Store) PutObserver(peerID string, state ObserverState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[peerID] = state
}

// SnapshotCluster returns a deep copy of the cluster-state map, safe for the
// merger to walk without coordinating with in-flight probe workers.
func (s *Store) SnapshotCluster() map[string]DBState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]DBState, len(s.cluster))
	for k, v := range s.cluster {
		out[k] = v.Clone()
	}
	return out
}

// SnapshotObservers returns a deep copy of the observer-state map.
func (s *Store) SnapshotObservers() map[string]ObserverState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ObserverState, len(s.observers))
	for k, v := range s.observers {
		out[k] = v.Clone()
	}
	return out
}

// Prune evicts any cluster-state or observer-state entries for peers that
// are no longer present in configuredPeers/configuredObservers. Called once
// per monitor iteration before fan-out, per the reconcile-connections step.
func (s *Store) Prune(configuredPeers, configuredObservers map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.cluster {
		if _, ok := configuredPeers[id]; !ok {
			delete(s.cluster, id)
		}
	}
	for id := range s.observers {
		if _, ok := configuredObservers[id]; !ok {
			delete(s.observers, id)
		}
	}
}
