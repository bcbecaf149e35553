package roled

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// supervisor drives the start and stop actions for one role's services.
// Services within a role have no ordering between them; both directions
// fan out concurrently.
type supervisor struct {
	role        RoleConfig
	svc         ServiceManager
	sys         SystemOps
	startBudget time.Duration
	stopBudget  time.Duration
	logger      Logger
	metrics     Metrics

	wg sync.WaitGroup
}

func newSupervisor(role RoleConfig, svc ServiceManager, sys SystemOps, startBudget, stopBudget time.Duration, logger Logger, metrics Metrics) *supervisor {
	return &supervisor{
		role:        role,
		svc:         svc,
		sys:         sys,
		startBudget: startBudget,
		stopBudget:  stopBudget,
		logger:      logger,
		metrics:     metrics,
	}
}

// start fires the start action for every service and returns without
// waiting. A slow-starting service must not delay the leadership
// transition; failures are logged and left to the external health checks
// to surface.
func (s *supervisor) start(ctx context.Context) {
	for _, su := range s.role.Services {
		su := su
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			actionCtx, cancel := context.WithTimeout(ctx, s.startBudget)
			defer cancel()
			if err := s.svc.Start(actionCtx, su.Unit); err != nil {
				s.logger.Warn("service start failed",
					Field{Key: "role", Value: s.role.Name},
					Field{Key: "unit", Value: su.Unit},
					Field{Key: "err", Value: err})
				s.metrics.IncCounter("service_start_failures_total", 1,
					Label{Name: "role", Value: s.role.Name})
				return
			}
			s.logger.Info("service started",
				Field{Key: "role", Value: s.role.Name},
				Field{Key: "unit", Value: su.Unit})
		}()
	}
}

// stop runs every service's stop action concurrently, each bounded by the
// graceful budget, then probes that the backing resources are actually
// released. It reports clean=false when any stop failed or a probe still
// sees the resource held; the caller escalates for the role as a whole,
// because the shared block devices were acquired as one unit.
func (s *supervisor) stop(ctx context.Context) (clean bool) {
	clean = true
	var mu sync.Mutex
	g := new(errgroup.Group)

	for _, su := range s.role.Services {
		su := su
		g.Go(func() error {
			actionCtx, cancel := context.WithTimeout(ctx, s.stopBudget)
			defer cancel()
			if err := s.svc.Stop(actionCtx, su.Unit); err != nil {
				s.logger.Warn("service stop failed",
					Field{Key: "role", Value: s.role.Name},
					Field{Key: "unit", Value: su.Unit},
					Field{Key: "err", Value: err})
				mu.Lock()
				clean = false
				mu.Unlock()
				return nil
			}
			if held := s.probe(actionCtx, su); held {
				mu.Lock()
				clean = false
				mu.Unlock()
				return nil
			}
			s.logger.Info("service stopped",
				Field{Key: "role", Value: s.role.Name},
				Field{Key: "unit", Value: su.Unit})
			return nil
		})
	}
	_ = g.Wait()

	if !clean {
		s.metrics.IncCounter("service_stop_timeouts_total", 1,
			Label{Name: "role", Value: s.role.Name})
	}
	return clean
}

// probe verifies a stopped service released what it held. A stop action
// can return success while the mount is still active or a worker process
// lingers; both count as held.
func (s *supervisor) probe(ctx context.Context, su ServiceConfig) (held bool) {
	if su.Mountpoint != "" {
		mounted, err := s.sys.IsMounted(su.Mountpoint)
		if err != nil {
			s.logger.Warn("mount probe failed",
				Field{Key: "mountpoint", Value: su.Mountpoint},
				Field{Key: "err", Value: err})
		} else if mounted {
			s.logger.Warn("mount still active after stop",
				Field{Key: "unit", Value: su.Unit},
				Field{Key: "mountpoint", Value: su.Mountpoint})
			return true
		}
	}
	if su.ProcessPattern != "" {
		n, err := s.sys.MatchingProcesses(ctx, su.ProcessPattern)
		if err != nil {
			s.logger.Warn("process probe failed",
				Field{Key: "pattern", Value: su.ProcessPattern},
				Field{Key: "err", Value: err})
		} else if n > 0 {
			s.logger.Warn("processes still present after stop",
				Field{Key: "unit", Value: su.Unit},
				Field{Key: "count", Value: n})
			return true
		}
	}
	return false
}

// drain waits for any in-flight start actions, bounded by ctx.
func (s *supervisor) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
