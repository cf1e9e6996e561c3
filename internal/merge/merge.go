// Package merge implements StateMerger: fusing the locally-probed cluster
// state with every observer's reported view into a single node map,
// following the recency and trust rules of create_node_map in the source
// this daemon's failover logic was adapted from.
package merge

import (
	"sort"

	"github.com/willibrandon/pgward/internal/alertfile"
	"github.com/willibrandon/pgward/internal/clusterstate"
)

// NodeMap partitions every known peer into the four disjoint sets the
// failover decider and status file consume.
type NodeMap struct {
	ConnectedMasters    map[string]clusterstate.DBState
	DisconnectedMasters map[string]clusterstate.DBState
	Standbys            map[string]clusterstate.DBState

	// MasterHost is the peer id selected as master for reporting purposes,
	// or "" when no master could be determined (zero or multiple
	// candidates).
	MasterHost string
	// MultipleMasters is true when more than one connected master was
	// observed; Merge then creates the multiple_master_warning alert file
	// (when given a writer) and leaves MasterHost empty.
	MultipleMasters bool
}

// Merge fuses a snapshot of locally-probed peer state with every
// observer's nested view, localPeerID being excluded from observer
// adoption since the local node always trusts its own probe.
func Merge(localPeerID string, cluster map[string]clusterstate.DBState, observers map[string]clusterstate.ObserverState, alerts *alertfile.Writer) NodeMap {
	nm := NodeMap{
		ConnectedMasters:    make(map[string]clusterstate.DBState),
		DisconnectedMasters: make(map[string]clusterstate.DBState),
		Standbys:            make(map[string]clusterstate.DBState),
	}

	// Rule 1: classify every locally-observed peer.
	for peerID, state := range cluster {
		classify(&nm, peerID, state)
	}

	// Rule 2: walk each observer's nested view.
	for _, obs := range observers {
		for peerID, observed := range obs.Peers {
			if peerID == localPeerID {
				continue
			}
			local, haveLocal := cluster[peerID]
			if !haveLocal {
				// Observers may span several clusters; ignore peers this
				// node has no state for.
				continue
			}
			if observed.FetchTime.Before(local.FetchTime) {
				continue
			}

			if observed.PgIsInRecovery {
				alreadyConnectedStandby := haveLocal && local.PgIsInRecovery && local.Connection
				if !alreadyConnectedStandby {
					delete(nm.ConnectedMasters, peerID)
					delete(nm.DisconnectedMasters, peerID)
					nm.Standbys[peerID] = observed
				}
				continue
			}

			// Observed as a master: promote/demote between connected and
			// disconnected sets based on the observer's connection flag.
			delete(nm.Standbys, peerID)
			if observed.Connection {
				delete(nm.DisconnectedMasters, peerID)
				nm.ConnectedMasters[peerID] = observed
			} else {
				delete(nm.ConnectedMasters, peerID)
				nm.DisconnectedMasters[peerID] = observed
			}
		}
	}

	selectMaster(&nm, alerts)
	return nm
}

func classify(nm *NodeMap, peerID string, state clusterstate.DBState) {
	if state.PgIsInRecovery {
		nm.Standbys[peerID] = state
		return
	}
	if state.Connection {
		nm.ConnectedMasters[peerID] = state
	} else {
		nm.DisconnectedMasters[peerID] = state
	}
}

func selectMaster(nm *NodeMap, alerts *alertfile.Writer) {
	switch {
	case len(nm.ConnectedMasters) == 1:
		for id := range nm.ConnectedMasters {
			nm.MasterHost = id
		}
		if alerts != nil {
			_ = alerts.Delete(alertfile.MultipleMasterWarning)
		}
	case len(nm.ConnectedMasters) == 0 && len(nm.DisconnectedMasters) >= 1:
		ids := make([]string, 0, len(nm.DisconnectedMasters))
		for id := range nm.DisconnectedMasters {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		nm.MasterHost = ids[0]
		if alerts != nil {
			_ = alerts.Delete(alertfile.MultipleMasterWarning)
		}
	case len(nm.ConnectedMasters) > 1:
		nm.MultipleMasters = true
		if alerts != nil {
			_ = alerts.Create(alertfile.MultipleMasterWarning)
		}
	}
}
