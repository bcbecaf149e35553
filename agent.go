// Package roled coordinates singleton stateful services across a fleet.
// Each node runs one RoleAgent per role; the agent contends for a
// lease-backed leader key in the coordination store, starts the role's
// services while it holds the key, and tears them down (gracefully, then
// forcibly) the moment leadership is lost, revoked, or drained away.
package roled

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/ycluster/roled/coord"
	"github.com/ycluster/roled/internal/localstate"
)

// State is the election state of a RoleAgent.
type State int

// Election states. Terminal only on process exit.
const (
	StateFollower State = iota
	StateAcquiring
	StateLeader
	StateSteppingDown
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateAcquiring:
		return "acquiring"
	case StateLeader:
		return "leader"
	case StateSteppingDown:
		return "stepping-down"
	default:
		return "unknown"
	}
}

// RoleAgent runs the election loop for a single role. The loop is
// single-threaded cooperative: only one of acquire, renew or step-down is
// in flight at a time; concurrency exists only inside a tick for service
// and teardown fan-out.
type RoleAgent struct {
	cfg     Config
	role    RoleConfig
	store   coord.Store
	state   localstate.Store
	sup     *supervisor
	esc     *escalator
	nodeIDs NodeIDProvider
	logger  Logger
	metrics Metrics

	nodeID string

	mu          sync.Mutex
	st          State
	lease       coord.LeaseID
	renewMisses int
	stepping    bool
}

// NewRoleAgent constructs an agent for one role.
func NewRoleAgent(cfg Config, role RoleConfig, store coord.Store, state localstate.Store,
	svc ServiceManager, sys SystemOps, nodeIDs NodeIDProvider, logger Logger, metrics Metrics) (*RoleAgent, error) {

	if err := role.validate(); err != nil {
		return nil, fmt.Errorf("role config: %w", err)
	}
	if store == nil || state == nil || svc == nil || sys == nil || nodeIDs == nil {
		return nil, fmt.Errorf("store, state, service manager, system ops, and nodeIDs are required")
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &RoleAgent{
		cfg:     cfg,
		role:    role,
		store:   store,
		state:   state,
		sup:     newSupervisor(role, svc, sys, cfg.StartTimeout, cfg.GracefulStopTimeout, logger, metrics),
		esc:     newEscalator(role, sys, state, cfg.EscalationStepTimeout, logger, metrics),
		nodeIDs: nodeIDs,
		logger:  logger,
		metrics: metrics,
		st:      StateFollower,
	}, nil
}

// Run executes the election loop until ctx is cancelled, then performs
// the cleanup path and returns. Coordination failures are never fatal;
// they surface as logged, retried ticks.
func (a *RoleAgent) Run(ctx context.Context) error {
	nodeID, err := a.nodeIDs.NodeID()
	if err != nil {
		return fmt.Errorf("get node id: %w", err)
	}
	a.nodeID = nodeID

	Preflight(ctx, a.store, a.cfg.HealthAttempts, a.cfg.HealthDelay, a.cfg.StoreCallTimeout, a.logger)

	a.recoverUncleanShutdown()

	a.logger.Info("election loop starting",
		Field{Key: "role", Value: a.role.Name},
		Field{Key: "node", Value: a.nodeID},
		Field{Key: "key", Value: a.role.LeaderKey})

	for {
		interval := a.tick(ctx)
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-time.After(interval):
		}
	}
}

// State returns the agent's current election state.
func (a *RoleAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.st
}

// Leader reads the current holder of the role's leader key.
func (a *RoleAgent) Leader(ctx context.Context) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreCallTimeout)
	defer cancel()
	val, ok, err := a.store.Get(callCtx, a.role.LeaderKey)
	if err != nil {
		return "", false, err
	}
	return string(val), ok, nil
}

// tick evaluates the transition rules once and returns the sleep interval
// until the next tick.
func (a *RoleAgent) tick(ctx context.Context) time.Duration {
	drained := a.isDrained(ctx)
	a.setDrainedGauge(drained)

	if drained {
		if a.State() == StateLeader {
			a.logger.Info("node drained, stepping down",
				Field{Key: "role", Value: a.role.Name})
			a.stepDown(ctx, "drained")
		}
		return a.role.DrainCheckInterval
	}

	if a.State() == StateLeader {
		a.renew(ctx)
	} else {
		a.acquire(ctx)
	}
	return a.role.RenewInterval
}

// isDrained reads the node's drain flag. Any read error counts as not
// drained: an unreachable store must not by itself strip a healthy node
// of its running services.
func (a *RoleAgent) isDrained(ctx context.Context) bool {
	key := path.Join(a.cfg.NodePrefix, a.nodeID, "drain")
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreCallTimeout)
	defer cancel()
	val, ok, err := a.store.Get(callCtx, key)
	if err != nil {
		a.logger.Debug("drain flag read failed, assuming not drained",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
		return false
	}
	return ok && string(val) == "true"
}

// acquire grants a lease and attempts the conditional create of the
// leader key. A losing contender revokes its just-granted lease so losers
// do not leak leases into the store.
func (a *RoleAgent) acquire(ctx context.Context) {
	grantCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreCallTimeout)
	lease, err := a.store.Grant(grantCtx, a.role.LeaseTTL)
	cancel()
	if err != nil {
		a.logger.Warn("lease grant failed",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
		return
	}

	a.setState(StateAcquiring)

	acqCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreCallTimeout)
	acquired, holder, err := a.store.TryAcquire(acqCtx, a.role.LeaderKey, a.nodeID, lease)
	cancel()
	if err != nil {
		a.logger.Warn("acquisition attempt failed",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
		a.revokeLease(lease)
		a.setState(StateFollower)
		return
	}
	if !acquired {
		a.logger.Debug("leader key already held",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "holder", Value: holder})
		a.revokeLease(lease)
		a.setState(StateFollower)
		return
	}

	rec := localstate.Record{
		LeaseID:    string(lease),
		NodeID:     a.nodeID,
		AcquiredAt: time.Now().UTC(),
	}
	if err := a.state.Save(rec); err != nil {
		// Leadership without a resolvable local record breaks the marker
		// invariant; surrender rather than hold it untracked.
		a.logger.Error("persisting lease record failed, surrendering leadership",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
		a.revokeLease(lease)
		a.setState(StateFollower)
		return
	}

	a.mu.Lock()
	a.st = StateLeader
	a.lease = lease
	a.renewMisses = 0
	a.mu.Unlock()

	a.logger.Info("leadership acquired",
		Field{Key: "role", Value: a.role.Name},
		Field{Key: "node", Value: a.nodeID},
		Field{Key: "lease", Value: string(lease)})
	a.metrics.IncCounter("leadership_acquired_total", 1,
		Label{Name: "role", Value: a.role.Name})
	a.metrics.SetGauge("is_leader", 1, Label{Name: "role", Value: a.role.Name})

	// Start is once per acquisition, never per tick.
	a.sup.start(ctx)
}

// renew keeps the held lease alive. Expiry is an immediate loss; an
// unavailable store is tolerated until the lease can no longer be assumed
// alive, at which point the agent steps down before anyone else can have
// acquired the key.
func (a *RoleAgent) renew(ctx context.Context) {
	a.mu.Lock()
	lease := a.lease
	a.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreCallTimeout)
	err := a.store.KeepAlive(callCtx, lease)
	cancel()

	switch {
	case err == nil:
		a.mu.Lock()
		a.renewMisses = 0
		a.mu.Unlock()

	case errors.Is(err, coord.ErrLeaseExpired):
		a.logger.Warn("lease expired, leadership lost",
			Field{Key: "role", Value: a.role.Name})
		a.stepDown(ctx, "lease-expired")

	default:
		a.mu.Lock()
		a.renewMisses++
		misses := a.renewMisses
		a.mu.Unlock()
		a.logger.Warn("lease renewal failed",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "misses", Value: misses},
			Field{Key: "err", Value: err})
		a.metrics.IncCounter("renew_failures_total", 1,
			Label{Name: "role", Value: a.role.Name})
		if misses >= a.cfg.RenewMisses {
			a.stepDown(ctx, "renew-misses")
		}
	}
}

// stepDown is the single convergence point for every loss-of-leadership
// path: renewal failure, drain, signal, crash recovery. It stops the
// role's services (escalating when the graceful budget is missed), clears
// the local record, and revokes the lease. Idempotent: a second
// invocation while one is running, or after the marker is already gone,
// is a no-op.
func (a *RoleAgent) stepDown(ctx context.Context, reason string) {
	a.mu.Lock()
	if a.stepping {
		a.mu.Unlock()
		return
	}
	a.stepping = true
	lease := a.lease
	wasLeader := a.st == StateLeader
	a.st = StateSteppingDown
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.st = StateFollower
		a.lease = ""
		a.renewMisses = 0
		a.stepping = false
		a.mu.Unlock()
		a.metrics.SetGauge("is_leader", 0, Label{Name: "role", Value: a.role.Name})
	}()

	rec, present, err := a.state.Load()
	if err != nil {
		a.logger.Error("lease record load failed during step-down",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
		// An unreadable record still means a claim may exist; clean up.
		present = true
	}
	if !present && !wasLeader {
		// Marker already absent: the cleanup path has run.
		return
	}
	if lease == "" && present {
		lease = coord.LeaseID(rec.LeaseID)
	}

	a.logger.Info("stepping down",
		Field{Key: "role", Value: a.role.Name},
		Field{Key: "reason", Value: reason})
	a.metrics.IncCounter("leadership_lost_total", 1,
		Label{Name: "role", Value: a.role.Name},
		Label{Name: "reason", Value: reason})

	// Stop always runs, or is attempted, before the marker is removed
	// and before the state machine re-enters Follower.
	begin := time.Now()
	clean := a.sup.stop(ctx)
	a.metrics.ObserveHistogram("stepdown_stop_seconds", time.Since(begin).Seconds(),
		Label{Name: "role", Value: a.role.Name})
	if !clean {
		a.esc.escalate(ctx)
	} else if err := a.state.Clear(); err != nil {
		a.logger.Error("clearing local lease record failed",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
	}

	if lease != "" {
		a.revokeLease(lease)
	}
}

// shutdown is the cancellation path: bounded total time on a detached
// context, since the loop context is already cancelled.
func (a *RoleAgent) shutdown() {
	budget := a.cfg.GracefulStopTimeout + 4*a.cfg.EscalationStepTimeout + 2*a.cfg.StoreCallTimeout
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	a.stepDown(ctx, "shutdown")
	a.sup.drain(ctx)
	a.logger.Info("election loop stopped", Field{Key: "role", Value: a.role.Name})
}

// recoverUncleanShutdown runs the cleanup path when a previous process
// died while holding (or believing it held) leadership. The lease TTL has
// been fencing the fleet meanwhile; this clears the stale local claim and
// any resources the dead leader left behind.
func (a *RoleAgent) recoverUncleanShutdown() {
	_, present, err := a.state.Load()
	if err != nil {
		a.logger.Error("stale lease record unreadable, forcing cleanup",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "err", Value: err})
		present = true
	}
	if !present {
		return
	}
	a.logger.Warn("recovering from unclean shutdown",
		Field{Key: "role", Value: a.role.Name})

	budget := a.cfg.GracefulStopTimeout + 4*a.cfg.EscalationStepTimeout + 2*a.cfg.StoreCallTimeout
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	a.stepDown(ctx, "crash-recovery")
}

func (a *RoleAgent) revokeLease(lease coord.LeaseID) {
	// Best-effort: the TTL is the backstop when the revoke cannot land.
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreCallTimeout)
	defer cancel()
	if err := a.store.Revoke(ctx, lease); err != nil {
		a.logger.Warn("lease revoke failed",
			Field{Key: "role", Value: a.role.Name},
			Field{Key: "lease", Value: string(lease)},
			Field{Key: "err", Value: err})
	}
}

func (a *RoleAgent) setState(st State) {
	a.mu.Lock()
	a.st = st
	a.mu.Unlock()
}

func (a *RoleAgent) setDrainedGauge(drained bool) {
	v := 0.0
	if drained {
		v = 1.0
	}
	a.metrics.SetGauge("node_drained", v, Label{Name: "role", Value: a.role.Name})
}
