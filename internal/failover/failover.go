// Package failover implements FailoverDecider: the quorum-gated,
// deterministic self-promotion decision, adapted from do_failover_decision
// in the source this daemon's decision logic was distilled from.
package failover

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/willibrandon/pgward/internal/alertfile"
	"github.com/willibrandon/pgward/internal/clusterstate"
	"github.com/willibrandon/pgward/internal/execcommand"
	"github.com/willibrandon/pgward/internal/logger"
)

// Gate names the step a decision aborted at, or "" when promotion fired.
type Gate string

const (
	GateMasterPresence       Gate = "master_presence"
	GateReplicationPositions Gate = "replication_positions"
	GateSelfFurthest         Gate = "self_furthest"
	GateMaintenance          Gate = "maintenance"
	GateNeverPromote         Gate = "never_promote"
	GateQuorum               Gate = "quorum"
)

// staleAfter is how old a standby's locally-fetched record may be before
// it is excluded from the replication-position vote (Gate 2).
const staleAfter = 20 * time.Second

// Input is everything a decision pass needs, snapshotted once by the
// caller so every gate evaluates against a single consistent view.
type Input struct {
	SelfID                        string
	ConnectedMasters              map[string]clusterstate.DBState
	DisconnectedMasters           map[string]clusterstate.DBState
	Standbys                      map[string]clusterstate.DBState
	ConnectedObserverCount        int
	DisconnectedObserverCount     int
	NeverPromote                  map[string]struct{}
	MaxFailoverReplicationTimeLag float64
	Now                           time.Time
}

// Decision records the outcome of one evaluation: either an abort at a
// named gate, or a fired promotion with the command's result.
type Decision struct {
	Promoted      bool
	AbortedAt     Gate
	Reason        string
	CommandResult execcommand.Result
}

// Decider evaluates Input against the configured promotion command,
// maintenance sentinel, and post-promotion bookkeeping.
type Decider struct {
	alerts            *alertfile.Writer
	maintenanceFile   string
	failoverCommand   string
	failoverSleepTime time.Duration
	clearWarningEdge  func()
}

// New returns a Decider. clearWarningEdge is invoked after a successful
// (zero-exit) promotion, so the lag tracker's edge state and warning alert
// file are reset without this package importing the lag tracker directly.
func New(alerts *alertfile.Writer, maintenanceFile, failoverCommand string, failoverSleepTime time.Duration, clearWarningEdge func()) *Decider {
	return &Decider{
		alerts:            alerts,
		maintenanceFile:   maintenanceFile,
		failoverCommand:   failoverCommand,
		failoverSleepTime: failoverSleepTime,
		clearWarningEdge:  clearWarningEdge,
	}
}

// Decide runs all six gates in order, short-circuiting at the first one
// that fails.
func (d *Decider) Decide(ctx context.Context, in Input) Decision {
	if dec, ok := d.gateMasterPresence(in); !ok {
		return dec
	}

	positions := replicationPositions(in)
	if len(positions) == 0 {
		return Decision{AbortedAt: GateReplicationPositions, Reason: "no known replication positions among eligible standbys"}
	}

	candidate, maxOffset := furthestAlong(positions)
	if candidate != in.SelfID {
		return Decision{AbortedAt: GateSelfFurthest,
			Reason: fmt.Sprintf("furthest-along peer at offset %d is %s, not self", maxOffset, candidate)}
	}

	if d.maintenanceFile != "" {
		if _, err := os.Stat(d.maintenanceFile); err == nil {
			return Decision{AbortedAt: GateMaintenance, Reason: "maintenance mode sentinel file present"}
		}
	}

	if _, never := in.NeverPromote[in.SelfID]; never {
		return Decision{AbortedAt: GateNeverPromote, Reason: "self is in never_promote_these_nodes"}
	}

	if dec, ok := d.gateQuorum(in, positions); !ok {
		return dec
	}

	return d.promote(ctx)
}

func (d *Decider) gateMasterPresence(in Input) (Decision, bool) {
	if len(in.ConnectedMasters) > 0 {
		return Decision{AbortedAt: GateMasterPresence, Reason: "a connected master is present"}, false
	}
	maxAge := time.Duration(in.MaxFailoverReplicationTimeLag * float64(time.Second))
	for peerID, m := range in.DisconnectedMasters {
		if m.DBTime != nil && in.Now.Sub(*m.DBTime) <= maxAge {
			return Decision{AbortedAt: GateMasterPresence,
				Reason: fmt.Sprintf("disconnected master %s was in contact within the failover timeout", peerID)}, false
		}
	}
	return Decision{}, true
}

func replicationPositions(in Input) map[uint64]map[string]struct{} {
	positions := make(map[uint64]map[string]struct{})
	for peerID, s := range in.Standbys {
		if !s.Connection {
			continue
		}
		if in.Now.Sub(s.FetchTime) > staleAfter {
			continue
		}
		if _, never := in.NeverPromote[peerID]; never {
			continue
		}
		lsn := s.PgLastXlogReceiveLocation
		if lsn == nil {
			lsn = s.PgLastXlogReplayLocation
		}
		if lsn == nil {
			continue
		}
		offset, err := clusterstate.ParseLSN(*lsn)
		if err != nil {
			logger.Warn("failover: skipping standby with unparseable LSN", "peer_id", peerID, "lsn", *lsn, "error", err)
			continue
		}
		if positions[offset] == nil {
			positions[offset] = make(map[string]struct{})
		}
		positions[offset][peerID] = struct{}{}
	}
	return positions
}

// furthestAlong returns the lexicographically minimum peer id among peers
// tied at the maximum offset, the deterministic tie-break that lets every
// decider in the cluster converge on the same promotee.
func furthestAlong(positions map[uint64]map[string]struct{}) (string, uint64) {
	var maxOffset uint64
	first := true
	for offset := range positions {
		if first || offset > maxOffset {
			maxOffset = offset
			first = false
		}
	}
	candidate := ""
	for peerID := range positions[maxOffset] {
		if candidate == "" || peerID < candidate {
			candidate = peerID
		}
	}
	return candidate, maxOffset
}

func (d *Decider) gateQuorum(in Input, positions map[uint64]map[string]struct{}) (Decision, bool) {
	total := float64(len(in.Standbys)+1-len(in.NeverPromote)) + float64(in.ConnectedObserverCount) + float64(in.DisconnectedObserverCount)

	known := 0
	for _, peers := range positions {
		known += len(peers)
	}
	known += in.ConnectedObserverCount

	if float64(known) < total/2 {
		return Decision{AbortedAt: GateQuorum,
			Reason: fmt.Sprintf("known state %d does not reach majority of total %v", known, total)}, false
	}
	return Decision{}, true
}

func (d *Decider) promote(ctx context.Context) Decision {
	res, err := execcommand.Run(ctx, d.failoverCommand)
	if err != nil {
		logger.Error("failover_command execution error", "error", err)
	}

	if d.alerts != nil {
		if err := d.alerts.Create(alertfile.FailoverHasHappened); err != nil {
			logger.Warn("failed to write failover_has_happened alert file", "error", err)
		}
	}

	if d.failoverSleepTime > 0 {
		select {
		case <-time.After(d.failoverSleepTime):
		case <-ctx.Done():
		}
	}

	if res.ExitCode == 0 && d.clearWarningEdge != nil {
		d.clearWarningEdge()
	}

	return Decision{Promoted: true, CommandResult: res}
}
