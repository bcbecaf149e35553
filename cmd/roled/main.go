// Command roled runs the cluster role agent: one lease-backed leader
// election per configured role, driving the role's services up on
// acquisition and down (gracefully, then forcibly) on loss.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/ycluster/roled"
	"github.com/ycluster/roled/coord"
	cetcd "github.com/ycluster/roled/coord/etcd"
	credis "github.com/ycluster/roled/coord/redis"
	"github.com/ycluster/roled/internal/localstate"
	"github.com/ycluster/roled/internal/sysd"
	"github.com/ycluster/roled/internal/sysops"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ROLED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "roled")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(logger)
	if err := cmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("roled.invocation_failed", "error", err)
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	var (
		endpoints     string
		backend       string
		configPath    string
		stateDir      string
		nodeID        string
		metricsListen string
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "roled",
		Short: "lease-based leader election and service lifecycle agent",
		Long: "roled contends for per-role leader keys in the coordination store\n" +
			"and keeps each role's singleton services running on exactly one node.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger = logger.LogLevel(pslog.DebugLevel)
			}
			eps := resolveEndpoints(endpoints)
			if len(eps) == 0 {
				return fmt.Errorf("no coordination store endpoints: set --endpoints or ETCD_HOSTS")
			}
			cfg, err := loadConfig(configPath, stateDir)
			if err != nil {
				return err
			}
			return runAgents(cmd.Context(), cfg, eps, backend, nodeID, metricsListen, logger)
		},
	}

	cmd.Flags().StringVar(&endpoints, "endpoints", "", "comma-separated coordination store endpoints (falls back to ETCD_HOSTS / ETCD_HOST)")
	cmd.Flags().StringVar(&backend, "backend", "etcd", "coordination backend: etcd or redis")
	cmd.Flags().StringVar(&configPath, "config", "", "role configuration file (YAML); defaults to the built-in storage and dhcp roles")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "override the local lease record directory")
	cmd.Flags().StringVar(&nodeID, "node", "", "node identity (defaults to hostname)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "expose prometheus metrics on this address")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// resolveEndpoints reads the flag, then ETCD_HOSTS (comma separated),
// then ETCD_HOST.
func resolveEndpoints(flagVal string) []string {
	raw := flagVal
	if raw == "" {
		raw = os.Getenv("ETCD_HOSTS")
	}
	if raw == "" {
		raw = os.Getenv("ETCD_HOST")
	}
	var eps []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			eps = append(eps, e)
		}
	}
	return eps
}

func loadConfig(path, stateDirOverride string) (roled.Config, error) {
	var cfg roled.Config
	if path != "" {
		var err error
		cfg, err = roled.LoadConfig(path)
		if err != nil {
			return roled.Config{}, err
		}
	} else {
		cfg = roled.DefaultConfig()
		cfg.Roles = roled.DefaultRoles()
	}
	if stateDirOverride != "" {
		cfg.StateDir = stateDirOverride
	}
	if err := cfg.Validate(); err != nil {
		return roled.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runAgents(ctx context.Context, cfg roled.Config, endpoints []string, backend, nodeID, metricsListen string, logger pslog.Logger) error {
	store, err := newStore(backend, endpoints)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := sysd.New(ctx)
	if err != nil {
		return fmt.Errorf("service manager: %w", err)
	}
	defer svc.Close()

	var nodeIDs roled.NodeIDProvider = roled.NewDefaultNodeIDProvider()
	if nodeID != "" {
		nodeIDs = roled.StaticNodeID(nodeID)
	}

	var metrics roled.Metrics = roled.NopMetrics()
	if metricsListen != "" {
		metrics = roled.NewPromMetrics(prometheus.DefaultRegisterer)
		go serveMetrics(metricsListen, logger)
	}

	libLogger := adaptLogger(logger)
	sys := sysops.New()

	g, runCtx := errgroup.WithContext(ctx)
	for _, role := range cfg.Roles {
		role := role
		state, err := localstate.NewFileStore(filepath.Join(cfg.StateDir, role.Name))
		if err != nil {
			return fmt.Errorf("role %s: %w", role.Name, err)
		}
		agent, err := roled.NewRoleAgent(cfg, role, store, state, svc, sys, nodeIDs, libLogger, metrics)
		if err != nil {
			return fmt.Errorf("role %s: %w", role.Name, err)
		}
		g.Go(func() error { return agent.Run(runCtx) })
	}

	logger.Info("roled.started",
		"roles", len(cfg.Roles),
		"backend", backend,
		"endpoints", strings.Join(endpoints, ","))
	return g.Wait()
}

func newStore(backend string, endpoints []string) (coord.Store, error) {
	switch backend {
	case "etcd":
		return cetcd.New(cetcd.Options{Endpoints: endpoints})
	case "redis":
		return credis.New(credis.Options{Addr: endpoints[0]})
	default:
		return nil, fmt.Errorf("unknown backend %q (want etcd or redis)", backend)
	}
}

func serveMetrics(addr string, logger pslog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("roled.metrics_listener_failed", "addr", addr, "error", err)
	}
}

// pslogAdapter bridges the library's Logger interface onto pslog.
type pslogAdapter struct {
	l pslog.Logger
}

func adaptLogger(l pslog.Logger) roled.Logger {
	return pslogAdapter{l: l}
}

func (a pslogAdapter) Debug(msg string, fields ...roled.Field) { a.l.Debug(msg, kv(fields)...) }
func (a pslogAdapter) Info(msg string, fields ...roled.Field)  { a.l.Info(msg, kv(fields)...) }
func (a pslogAdapter) Warn(msg string, fields ...roled.Field)  { a.l.Warn(msg, kv(fields)...) }
func (a pslogAdapter) Error(msg string, fields ...roled.Field) { a.l.Error(msg, kv(fields)...) }

func kv(fields []roled.Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
