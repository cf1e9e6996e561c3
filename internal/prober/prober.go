// Package prober implements PeerProber: maintaining one long-lived
// connection pool per configured database peer and issuing the compound
// status query that produces a clusterstate.DBState record per probe.
package prober

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/willibrandon/pgward/internal/alertfile"
	"github.com/willibrandon/pgward/internal/clusterstate"
	"github.com/willibrandon/pgward/internal/logger"
)

// DefaultTimeout is the default per-probe I/O deadline.
const DefaultTimeout = 5 * time.Second

type poolEntry struct {
	pool          *pgxpool.Pool
	serverVersion int
}

// Prober maintains one pgxpool.Pool per peer and probes its replication
// status on demand.
type Prober struct {
	timeout time.Duration
	alerts  *alertfile.Writer

	mu    sync.Mutex
	pools map[string]*poolEntry
}

// New returns a Prober that raises authentication-failure alerts through
// alerts and bounds every probe to timeout.
func New(alerts *alertfile.Writer, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		timeout: timeout,
		alerts:  alerts,
		pools:   make(map[string]*poolEntry),
	}
}

// Close shuts down every pool the Prober currently owns.
func (p *Prober) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.pools {
		e.pool.Close()
		delete(p.pools, id)
	}
}

// Forget closes and drops the pool for peerID, if any, so the next Probe
// call reopens it from scratch. Called after any probe error.
func (p *Prober) Forget(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.pools[peerID]; ok {
		e.pool.Close()
		delete(p.pools, peerID)
	}
}

// Prune closes and drops pools for peers no longer present in keep.
func (p *Prober) Prune(keep map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.pools {
		if _, ok := keep[id]; !ok {
			e.pool.Close()
			delete(p.pools, id)
		}
	}
}

func (p *Prober) ensurePool(ctx context.Context, peerID, connString string) (*poolEntry, error) {
	p.mu.Lock()
	e, ok := p.pools[peerID]
	p.mu.Unlock()
	if ok {
		return e, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("prober: parsing connection string for %s: %w", peerID, err)
	}
	poolCfg.MaxConns = 2
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "pgward"

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("prober: connecting to %s: %w", peerID, err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, classifyConnectError(peerID, err)
	}

	var serverVersion int
	if err := pool.QueryRow(connectCtx, "SHOW server_version_num").Scan(&serverVersion); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prober: reading server_version_num from %s: %w", peerID, err)
	}

	entry := &poolEntry{pool: pool, serverVersion: serverVersion}
	p.mu.Lock()
	p.pools[peerID] = entry
	p.mu.Unlock()
	return entry, nil
}

func classifyConnectError(peerID string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "password authentication failed") || strings.Contains(msg, "no pg_hba.conf entry") {
		return &AuthenticationError{PeerID: peerID, Cause: err}
	}
	return fmt.Errorf("prober: pinging %s: %w", peerID, err)
}

// AuthenticationError distinguishes a DSN-level authentication rejection
// from an ordinary transient connection failure.
type AuthenticationError struct {
	PeerID string
	Cause  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("prober: authentication failure for %s: %v", e.PeerID, e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Probe connects (if needed) to peerID and returns its current
// clusterstate.DBState. prev is the last successfully recorded state, used
// to compute min_replication_time_lag and replication_start_time and to
// preserve fields across transient failures. Every failure yields a
// degraded record with Connection=false. A failure to connect is also
// returned as an error (an *AuthenticationError for authentication
// rejections, which additionally raise the authentication_error alert); a
// failed status query on an open pool returns a nil error.
func (p *Prober) Probe(ctx context.Context, peerID, connString string, prev clusterstate.DBState) (clusterstate.DBState, error) {
	now := time.Now().UTC()

	entry, err := p.ensurePool(ctx, peerID, connString)
	if err != nil {
		p.Forget(peerID)
		var authErr *AuthenticationError
		if errors.As(err, &authErr) && p.alerts != nil {
			if alertErr := p.alerts.Create(alertfile.AuthenticationError); alertErr != nil {
				logger.Warn("failed to write authentication_error alert file", "error", alertErr)
			}
		}
		degraded := prev.Clone()
		degraded.FetchTime = now
		degraded.Connection = false
		return degraded, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	state, err := p.query(queryCtx, entry)
	if err != nil {
		p.Forget(peerID)
		degraded := prev.Clone()
		degraded.FetchTime = now
		degraded.Connection = false
		return degraded, nil
	}

	state.FetchTime = now
	state.Connection = true
	applyDerivations(&state, prev)
	return state, nil
}

func applyDerivations(state *clusterstate.DBState, prev clusterstate.DBState) {
	if state.PgIsInRecovery {
		if state.DBTime != nil && state.PgLastXactReplayTimestamp != nil {
			lag := math.Abs(state.DBTime.Sub(*state.PgLastXactReplayTimestamp).Seconds())
			state.ReplicationTimeLag = &lag

			min := lag
			if prev.MinReplicationTimeLag != nil && *prev.MinReplicationTimeLag < min {
				min = *prev.MinReplicationTimeLag
			}
			state.MinReplicationTimeLag = &min
		}
		if state.PgLastXlogReceiveLocation != nil && prev.ReplicationStartTime == nil {
			start := state.FetchTime
			state.ReplicationStartTime = &start
		} else {
			state.ReplicationStartTime = prev.ReplicationStartTime
		}
	} else {
		// A (possibly freshly promoted) primary looks indistinguishable
		// from a born-primary: these fields are meaningless here.
		state.ReplicationTimeLag = nil
		state.PgLastXlogReceiveLocation = nil
		state.PgLastXactReplayTimestamp = nil
	}
}

const compoundQueryPre10 = `SELECT now() AS db_time, pg_is_in_recovery(),
	pg_last_xact_replay_timestamp(),
	pg_last_xlog_receive_location(),
	pg_last_xlog_replay_location()`

const compoundQueryPost10 = `SELECT now() AS db_time, pg_is_in_recovery(),
	pg_last_xact_replay_timestamp(),
	pg_last_wal_receive_lsn() AS pg_last_xlog_receive_location,
	pg_last_wal_replay_lsn() AS pg_last_xlog_replay_location`

func (p *Prober) query(ctx context.Context, entry *poolEntry) (clusterstate.DBState, error) {
	var state clusterstate.DBState

	q := compoundQueryPre10
	if entry.serverVersion >= 100000 {
		q = compoundQueryPost10
	}

	var receiveLoc, replayLoc *string
	row := entry.pool.QueryRow(ctx, q)
	if err := row.Scan(&state.DBTime, &state.PgIsInRecovery, &state.PgLastXactReplayTimestamp, &receiveLoc, &replayLoc); err != nil {
		return state, fmt.Errorf("prober: status query: %w", err)
	}
	state.PgLastXlogReceiveLocation = receiveLoc
	state.PgLastXlogReplayLocation = replayLoc

	if !state.PgIsInRecovery {
		if err := p.queryPrimaryExtras(ctx, entry, &state); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (p *Prober) queryPrimaryExtras(ctx context.Context, entry *poolEntry, state *clusterstate.DBState) error {
	currentLSNQuery := "pg_current_xlog_location()"
	if entry.serverVersion >= 100000 {
		currentLSNQuery = "pg_current_wal_lsn()"
	}

	var currentLoc *string
	var txid int64
	row := entry.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s, txid_current()", currentLSNQuery))
	if err := row.Scan(&currentLoc, &txid); err != nil {
		return fmt.Errorf("prober: primary status query: %w", err)
	}
	// txid_current() is invoked purely for its side effect: forcing a WAL
	// record to be written every poll so standbys always have a fresh
	// heartbeat to measure lag against.
	state.PgLastXlogReplayLocation = currentLoc

	if entry.serverVersion >= 100000 {
		slots, err := querySlots(ctx, entry.pool)
		if err != nil {
			return err
		}
		state.ReplicationSlots = slots
	}
	return nil
}

func querySlots(ctx context.Context, pool *pgxpool.Pool) ([]clusterstate.ReplicationSlot, error) {
	rows, err := pool.Query(ctx, `SELECT slot_name, COALESCE(plugin, ''), slot_type, COALESCE(database, ''),
		COALESCE(catalog_xmin::text, ''), COALESCE(restart_lsn::text, ''), COALESCE(confirmed_flush_lsn::text, '')
		FROM pg_replication_slots`)
	if err != nil {
		return nil, fmt.Errorf("prober: querying replication slots: %w", err)
	}
	defer rows.Close()

	var slots []clusterstate.ReplicationSlot
	for rows.Next() {
		var s clusterstate.ReplicationSlot
		if err := rows.Scan(&s.Name, &s.Plugin, &s.SlotType, &s.Database, &s.CatalogXmin, &s.RestartLSN, &s.ConfirmedFlushLSN); err != nil {
			return nil, fmt.Errorf("prober: scanning replication slot row: %w", err)
		}
		if blob, err := json.Marshal(s); err == nil {
			s.StateBlob = string(blob)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}
