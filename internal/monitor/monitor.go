// Package monitor implements MonitorLoop: the fixed-interval pass that
// reconciles the configured peer/observer set and fans out a probe or
// observer fetch per known remote each tick, replacing the
// goroutine-per-collector-with-its-own-ticker pattern with a single ticker
// driving a bounded fan-out per iteration.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/pgward/internal/clusterstate"
	"github.com/willibrandon/pgward/internal/logger"
)

// PeerProber is the subset of *prober.Prober the loop depends on.
type PeerProber interface {
	Probe(ctx context.Context, peerID, connString string, prev clusterstate.DBState) (clusterstate.DBState, error)
	Prune(keep map[string]struct{})
}

// ObserverFetcher is the subset of *observer.Client the loop depends on.
type ObserverFetcher interface {
	Fetch(ctx context.Context, peerID, baseURI string) (*clusterstate.ObserverState, error)
}

// Remotes is the current set of configured peers and observers, keyed by
// peer id. Peer values are libpq connection strings; observer values are
// base URIs.
type Remotes struct {
	Peers     map[string]string
	Observers map[string]string
}

// Loop drives one probe/fetch fan-out per tick (or on demand, via
// RequestCheck) against the configured remotes, writing every result into
// store.
type Loop struct {
	interval time.Duration

	store    *clusterstate.Store
	prober   PeerProber
	observer ObserverFetcher

	mu      sync.RWMutex
	remotes Remotes

	pollObserversOnWarningOnly bool
	warningActive              func() bool

	checkCh    chan chan struct{}
	failoverCh chan struct{}
}

// New returns a Loop. warningActive reports the lag tracker's current
// over-warning edge state; when pollObserversOnWarningOnly is set, observer
// fetches are skipped on passes where it returns false.
func New(store *clusterstate.Store, p PeerProber, obs ObserverFetcher, interval time.Duration, pollObserversOnWarningOnly bool, warningActive func() bool) *Loop {
	return &Loop{
		interval:                   interval,
		store:                      store,
		prober:                     p,
		observer:                   obs,
		pollObserversOnWarningOnly: pollObserversOnWarningOnly,
		warningActive:              warningActive,
		checkCh:                    make(chan chan struct{}),
		failoverCh:                 make(chan struct{}, 1),
	}
}

// FailoverNotifications returns the channel a check-request-triggered pass
// posts a completion token on, for the decision loop to drain alongside
// its own ticker. Periodic ticks never post here; only RequestCheck passes
// do, per the explicit-check-request completion contract.
func (l *Loop) FailoverNotifications() <-chan struct{} {
	return l.failoverCh
}

// SetRemotes replaces the configured peer/observer set, taking effect on
// the next pass. Called at startup and again on every config reload.
func (l *Loop) SetRemotes(remotes Remotes) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remotes = remotes
}

func (l *Loop) currentRemotes() Remotes {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.remotes
}

// RequestCheck triggers an out-of-cycle pass and blocks until it completes
// or ctx is done, for the HTTP /check endpoint.
func (l *Loop) RequestCheck(ctx context.Context) {
	done := make(chan struct{})
	select {
	case l.checkCh <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Run ticks at interval until ctx is canceled, running one pass per tick
// and per RequestCheck call.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.runPass(ctx)
		case done := <-l.checkCh:
			l.runPass(ctx)
			close(done)
			select {
			case l.failoverCh <- struct{}{}:
			default:
				// decision loop hasn't drained the previous token yet; it
				// will still see this pass's results on its next wake.
			}
		}
	}
}

func (l *Loop) runPass(ctx context.Context) {
	passID := uuid.New().String()
	remotes := l.currentRemotes()
	logger.Debug("monitor pass starting", "pass_id", passID, "peers", len(remotes.Peers), "observers", len(remotes.Observers))

	peerSet := make(map[string]struct{}, len(remotes.Peers))
	for id := range remotes.Peers {
		peerSet[id] = struct{}{}
	}
	observerSet := make(map[string]struct{}, len(remotes.Observers))
	for id := range remotes.Observers {
		observerSet[id] = struct{}{}
	}
	l.store.Prune(peerSet, observerSet)
	l.prober.Prune(peerSet)

	skipObservers := l.pollObserversOnWarningOnly && l.warningActive != nil && !l.warningActive()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(remotes.Peers) + len(remotes.Observers) + 1)

	for peerID, connString := range remotes.Peers {
		peerID, connString := peerID, connString
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("probe task panicked", "pass_id", passID, "peer_id", peerID, "panic", r)
				}
			}()
			l.probeOne(gctx, passID, peerID, connString)
			return nil
		})
	}

	if !skipObservers {
		for obsID, baseURI := range remotes.Observers {
			obsID, baseURI := obsID, baseURI
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("observer fetch task panicked", "pass_id", passID, "observer_id", obsID, "panic", r)
					}
				}()
				l.fetchOne(gctx, passID, obsID, baseURI)
				return nil
			})
		}
	}

	// Task funcs never return a non-nil error, so Wait only ever blocks on
	// completion; it cannot itself fail.
	_ = g.Wait()
}

func (l *Loop) probeOne(ctx context.Context, passID, peerID, connString string) {
	prev, _ := l.store.Peer(peerID)
	state, err := l.prober.Probe(ctx, peerID, connString, prev)
	if err != nil {
		logger.Warn("probe failed", "pass_id", passID, "peer_id", peerID, "error", err)
	}
	l.store.PutPeer(peerID, state)
}

func (l *Loop) fetchOne(ctx context.Context, passID, obsID, baseURI string) {
	state, err := l.observer.Fetch(ctx, obsID, baseURI)
	if err != nil {
		logger.Warn("observer fetch failed", "pass_id", passID, "observer_id", obsID, "error", err)
		return
	}
	if state == nil {
		// Discarded for clock skew: record the observer as disconnected.
		state = &clusterstate.ObserverState{FetchTime: time.Now().UTC(), Connection: false}
	}
	l.store.PutObserver(obsID, *state)
}
