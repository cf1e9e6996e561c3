// Package supervisor implements the daemon's top-level lifecycle and
// decision loop: configuration reload on SIGHUP, graceful shutdown on
// SIGINT/SIGTERM, and a periodic pass that merges cluster state, tracks
// replication lag, and drives the failover decider. Grounded on
// internal/agent/agent.go's Start/Stop/Wait lifecycle shape and
// pglookout.py's PgLookout.main_loop/run/load_config/quit.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/willibrandon/pgward/internal/alertfile"
	"github.com/willibrandon/pgward/internal/clusterstate"
	"github.com/willibrandon/pgward/internal/config"
	"github.com/willibrandon/pgward/internal/failover"
	"github.com/willibrandon/pgward/internal/lag"
	"github.com/willibrandon/pgward/internal/logger"
	"github.com/willibrandon/pgward/internal/merge"
	"github.com/willibrandon/pgward/internal/monitor"
	"github.com/willibrandon/pgward/internal/observer"
	"github.com/willibrandon/pgward/internal/prober"
	"github.com/willibrandon/pgward/internal/recoveryconf"
	"github.com/willibrandon/pgward/internal/statusapi"
)

// Version is set by ldflags during build.
var Version = "dev"

// Supervisor owns every long-lived goroutine in the daemon.
type Supervisor struct {
	configPath string

	mu  sync.RWMutex
	cfg *config.Config

	selfID        string
	currentMaster string

	// clusterNodesChangeTime marks process start, or the last config reload
	// that changed remote_conns. decisionPass measures its cold-start grace
	// period (no master ever seen) from this point, not from process start
	// alone.
	clusterNodesChangeTime time.Time

	alerts   *alertfile.Writer
	store    *clusterstate.Store
	prober   *prober.Prober
	observer *observer.Client
	monitor  *monitor.Loop
	lag      *lag.Tracker
	decider  *failover.Decider
	follower *recoveryconf.Follower
	api      *statusapi.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configPath and wires every component, but does not start any
// goroutine yet.
func New(configPath string) (*Supervisor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogFile)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		configPath:             configPath,
		cfg:                    cfg,
		selfID:                 cfg.OwnDB,
		clusterNodesChangeTime: time.Now(),
		ctx:                    ctx,
		cancel:                 cancel,
	}

	s.alerts = alertfile.NewWriter(cfg.AlertFileDir)
	s.store = clusterstate.NewStore()
	s.prober = prober.New(s.alerts, prober.DefaultTimeout)
	s.observer = observer.New(observer.DefaultTimeout)
	s.lag = lag.New(cfg.WarningReplicationTimeLag, cfg.MaxFailoverReplicationTimeLag, s.alerts, cfg.OverWarningLimitCommand)
	s.decider = failover.New(s.alerts, cfg.MaintenanceModeFile, cfg.FailoverCommand, time.Duration(cfg.FailoverSleepTime*float64(time.Second)), s.lag.ClearWarningEdge)
	s.follower = s.buildFollower(cfg)

	s.monitor = monitor.New(s.store, s.prober, s.observer,
		time.Duration(cfg.DBPollInterval*float64(time.Second)),
		cfg.PollObserversOnWarningOnly, s.lag.OverWarning)
	s.monitor.SetRemotes(monitor.Remotes{Peers: cfg.RemoteConns, Observers: cfg.Observers})

	s.api = statusapi.New(s.store, s.monitor)

	return s, nil
}

func (s *Supervisor) buildFollower(cfg *config.Config) *recoveryconf.Follower {
	if !cfg.Autofollow {
		return nil
	}
	return recoveryconf.New(cfg.RecoveryConfPath, cfg.PrimaryConninfoTemplate, cfg.PgStartCommand, cfg.PgStopCommand)
}

// Context returns the Supervisor's root context, canceled on shutdown.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Start launches the monitor loop, decision loop, HTTP server, and signal
// handling, returning once all goroutines have been spawned.
func (s *Supervisor) Start() error {
	logger.Info("pgward starting", "version", Version, "pid", os.Getpid(), "config", s.configPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.monitor.Run(s.ctx); err != nil && err != context.Canceled {
			logger.Warn("monitor loop exited", "error", err)
		}
	}()

	s.wg.Add(1)
	go s.decisionLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cfg := s.snapshotConfig()
		addr := fmt.Sprintf("%s:%d", cfg.HTTPAddress, cfg.HTTPPort)
		if err := s.api.Start(addr); err != nil {
			logger.Error("status API server stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go s.handleSignals()

	return nil
}

func (s *Supervisor) handleSignals() {
	defer s.wg.Done()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-s.ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.reload()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Warn("received shutdown signal", "signal", sig.String())
				s.cancel()
				return
			}
		}
	}
}

func (s *Supervisor) reload() {
	logger.Info("reloading configuration", "path", s.configPath)
	cfg, err := config.Load(s.configPath)
	if err != nil {
		logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}

	s.mu.Lock()
	if !sameRemoteConns(s.cfg.RemoteConns, cfg.RemoteConns) {
		s.clusterNodesChangeTime = time.Now()
	}
	s.cfg = cfg
	s.selfID = cfg.OwnDB
	s.follower = s.buildFollower(cfg)
	s.mu.Unlock()

	logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogFile)
	s.monitor.SetRemotes(monitor.Remotes{Peers: cfg.RemoteConns, Observers: cfg.Observers})
}

func sameRemoteConns(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (s *Supervisor) snapshotConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Supervisor) currentSelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

func (s *Supervisor) currentClusterNodesChangeTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clusterNodesChangeTime
}

// Stop cancels the root context and blocks until every goroutine has
// exited or the grace period elapses.
func (s *Supervisor) Stop() {
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown timed out waiting for goroutines")
	}

	s.prober.Close()
	logger.Info("pgward stopped")
	logger.Close()
}

// Wait blocks until every goroutine spawned by Start has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) decisionLoop() {
	defer s.wg.Done()

	cfg := s.snapshotConfig()
	ticker := time.NewTicker(time.Duration(cfg.ReplicationStateCheckInterval * float64(time.Second)))
	defer ticker.Stop()

	s.decisionPass()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.decisionPass()
		case <-s.monitor.FailoverNotifications():
			s.decisionPass()
		}
	}
}

func (s *Supervisor) decisionPass() {
	passID := uuid.New().String()
	cfg := s.snapshotConfig()

	selfID := s.currentSelfID()

	cluster := s.store.SnapshotCluster()
	observers := s.store.SnapshotObservers()
	nm := merge.Merge(selfID, cluster, observers, s.alerts)

	if nm.MasterHost != "" && nm.MasterHost != s.currentMaster {
		previous := s.currentMaster
		s.currentMaster = nm.MasterHost
		logger.Info("new master detected", "pass_id", passID, "previous", previous, "current", nm.MasterHost)

		s.mu.RLock()
		follower := s.follower
		s.mu.RUnlock()
		if follower != nil && selfID != "" && selfID != nm.MasterHost {
			if err := follower.Follow(s.ctx, nm.MasterHost); err != nil {
				logger.Warn("autofollow failed", "error", err)
			}
		}
	}

	if selfID != "" && selfID != s.currentMaster {
		switch {
		case len(nm.Standbys) == 0:
			logger.Warn("no standby nodes set", "pass_id", passID, "master", nm.MasterHost)
		case nm.MasterHost == "":
			// No master anywhere in the cluster. An immediate failover is
			// only warranted if a master was seen before and then vanished,
			// or if we've never seen one and the cold-start grace period
			// (max_failover_replication_time_lag doubles as that timeout)
			// has elapsed. Otherwise wait for the next pass rather than
			// promoting off of a still-settling cluster snapshot.
			sinceChange := time.Since(s.currentClusterNodesChangeTime())
			timeout := time.Duration(cfg.MaxFailoverReplicationTimeLag * float64(time.Second))
			switch {
			case s.currentMaster != "":
				logger.Warn("performing failover decision because existing master node disappeared from configuration", "pass_id", passID)
				s.runFailoverDecision(passID, selfID, nm, cfg, observers)
			case sinceChange >= timeout:
				logger.Warn("performing failover decision because no master node was seen in cluster before timeout", "pass_id", passID, "since_change", sinceChange, "timeout", timeout)
				s.runFailoverDecision(passID, selfID, nm, cfg, observers)
			default:
				logger.Debug("no master node in cluster yet, waiting for cold-start timeout", "pass_id", passID, "since_change", sinceChange, "timeout", timeout)
			}
		default:
			own := cluster[selfID]
			lagResult := s.lag.Evaluate(s.ctx, own.ReplicationTimeLag)
			if lagResult.OverCritical {
				s.runFailoverDecision(passID, selfID, nm, cfg, observers)
			}
		}
	}

	s.writeStatusFile(cfg.JSONStateFilePath, cluster, observers)
}

func (s *Supervisor) runFailoverDecision(passID, selfID string, nm merge.NodeMap, cfg *config.Config, observers map[string]clusterstate.ObserverState) {
	connectedObs, disconnectedObs := countObservers(observers)
	dec := s.decider.Decide(s.ctx, failover.Input{
		SelfID:                        selfID,
		ConnectedMasters:              nm.ConnectedMasters,
		DisconnectedMasters:           nm.DisconnectedMasters,
		Standbys:                      nm.Standbys,
		ConnectedObserverCount:        connectedObs,
		DisconnectedObserverCount:     disconnectedObs,
		NeverPromote:                  cfg.NeverPromoteSet(),
		MaxFailoverReplicationTimeLag: cfg.MaxFailoverReplicationTimeLag,
		Now:                           time.Now().UTC(),
	})
	switch {
	case dec.Promoted:
		logger.Warn("failover decision promoted this node", "pass_id", passID, "exit_code", dec.CommandResult.ExitCode)
	case dec.AbortedAt != "":
		logger.Debug("failover decision aborted", "pass_id", passID, "gate", dec.AbortedAt, "reason", dec.Reason)
	}
}

func countObservers(observers map[string]clusterstate.ObserverState) (connected, disconnected int) {
	for _, o := range observers {
		if o.Connection {
			connected++
		} else {
			disconnected++
		}
	}
	return connected, disconnected
}

type statusFileContent struct {
	DBNodes       map[string]clusterstate.DBState       `json:"db_nodes"`
	ObserverNodes map[string]clusterstate.ObserverState `json:"observer_nodes"`
	CurrentMaster string                                `json:"current_master"`
}

func (s *Supervisor) writeStatusFile(path string, cluster map[string]clusterstate.DBState, observers map[string]clusterstate.ObserverState) {
	if path == "" {
		return
	}
	content := statusFileContent{
		DBNodes:       cluster,
		ObserverNodes: observers,
		CurrentMaster: s.currentMaster,
	}
	body, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		logger.Warn("failed to marshal status file", "error", err)
		return
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		logger.Warn("failed to write status file", "path", tmpPath, "error", err)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		logger.Warn("failed to rename status file into place", "path", path, "error", err)
	}
}
