package roled

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ycluster/roled/internal/localstate"
)

// escalator is the forced-teardown path, invoked only after the graceful
// stop budget is missed. It is a bounded, one-shot, best-effort sequence:
// its job is to shorten the window before another node can take over, not
// to guarantee a clean release. The store's lease TTL remains the safety
// backstop against split-brain.
type escalator struct {
	role        RoleConfig
	sys         SystemOps
	state       localstate.Store
	stepTimeout time.Duration
	logger      Logger
	metrics     Metrics
}

func newEscalator(role RoleConfig, sys SystemOps, state localstate.Store, stepTimeout time.Duration, logger Logger, metrics Metrics) *escalator {
	return &escalator{
		role:        role,
		sys:         sys,
		state:       state,
		stepTimeout: stepTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// escalate runs the teardown steps in order. A failure in one step never
// aborts the rest, and the local lease record and marker are removed
// regardless of the outcome of steps 1-4 so the node stops believing it
// is, or was, the leader.
func (e *escalator) escalate(ctx context.Context) {
	e.logger.Warn("escalating shutdown", Field{Key: "role", Value: e.role.Name})
	e.metrics.IncCounter("escalations_total", 1, Label{Name: "role", Value: e.role.Name})

	e.killProcesses(ctx)
	e.shutdownFilesystems(ctx)
	e.unmountAll(ctx)
	e.unmapAll(ctx)

	if err := e.state.Clear(); err != nil {
		e.logger.Error("clearing local lease record failed",
			Field{Key: "role", Value: e.role.Name},
			Field{Key: "err", Value: err})
	}
}

func (e *escalator) killProcesses(ctx context.Context) {
	g := new(errgroup.Group)
	for _, su := range e.role.Services {
		if su.ProcessPattern == "" {
			continue
		}
		pattern := su.ProcessPattern
		g.Go(func() error {
			e.bounded(ctx, "kill", pattern, func(stepCtx context.Context) error {
				n, err := e.sys.KillProcesses(stepCtx, pattern)
				if n > 0 {
					e.logger.Warn("force-killed processes",
						Field{Key: "pattern", Value: pattern},
						Field{Key: "count", Value: n})
				}
				return err
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (e *escalator) shutdownFilesystems(ctx context.Context) {
	g := new(errgroup.Group)
	for _, su := range e.role.Services {
		if su.Mountpoint == "" {
			continue
		}
		mp := su.Mountpoint
		g.Go(func() error {
			mounted, err := e.sys.IsMounted(mp)
			if err != nil {
				e.logger.Warn("mount check failed during escalation",
					Field{Key: "mountpoint", Value: mp},
					Field{Key: "err", Value: err})
				return nil
			}
			if !mounted {
				return nil
			}
			// Abandon in-flight I/O so a hung filesystem cannot block
			// step-down; a clean unmount stopped being a goal once the
			// graceful budget was missed.
			e.bounded(ctx, "fs-shutdown", mp, func(context.Context) error {
				return e.sys.ShutdownFilesystem(mp)
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (e *escalator) unmountAll(ctx context.Context) {
	g := new(errgroup.Group)
	for _, su := range e.role.Services {
		if su.Mountpoint == "" {
			continue
		}
		mp := su.Mountpoint
		g.Go(func() error {
			e.bounded(ctx, "unmount", mp, func(context.Context) error {
				return e.sys.Unmount(mp)
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (e *escalator) unmapAll(ctx context.Context) {
	g := new(errgroup.Group)
	for _, su := range e.role.Services {
		if su.Device == "" {
			continue
		}
		dev := su.Device
		g.Go(func() error {
			e.bounded(ctx, "unmap", dev, func(stepCtx context.Context) error {
				return e.sys.UnmapDevice(stepCtx, dev)
			})
			return nil
		})
	}
	_ = g.Wait()
}

// bounded runs one teardown operation with the per-step budget. When the
// operation itself wedges (a D-state unmount, an unkillable ioctl) the
// wait is abandoned and the sequence moves on; the leaked goroutine is
// the price of not blocking step-down.
func (e *escalator) bounded(ctx context.Context, step, target string, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Warn("escalation step failed",
				Field{Key: "step", Value: step},
				Field{Key: "target", Value: target},
				Field{Key: "err", Value: err})
			e.metrics.IncCounter("escalation_step_failures_total", 1,
				Label{Name: "step", Value: step})
		}
	case <-stepCtx.Done():
		e.logger.Warn("escalation step timed out",
			Field{Key: "step", Value: step},
			Field{Key: "target", Value: target})
		e.metrics.IncCounter("escalation_step_failures_total", 1,
			Label{Name: "step", Value: step})
	}
}
