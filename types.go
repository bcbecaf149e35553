package roled

import "context"

// ServiceManager starts and stops named local services. Implementations
// report success or failure synchronously per call; Stop must be
// idempotent.
type ServiceManager interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
}

// SystemOps performs the forced-teardown primitives the escalator needs.
// Every method is best-effort from the caller's point of view: failures
// are reported, never retried here.
type SystemOps interface {
	// MatchingProcesses counts processes whose name or command line
	// matches pattern.
	MatchingProcesses(ctx context.Context, pattern string) (int, error)

	// KillProcesses force-terminates (SIGKILL) all processes whose name
	// or command line matches pattern. Returns the number killed.
	KillProcesses(ctx context.Context, pattern string) (int, error)

	// IsMounted reports whether mountpoint currently has a filesystem
	// mounted on it.
	IsMounted(mountpoint string) (bool, error)

	// ShutdownFilesystem tells the filesystem at mountpoint to abandon
	// all in-flight I/O immediately instead of draining it.
	ShutdownFilesystem(mountpoint string) error

	// Unmount lazily detaches mountpoint so a hung filesystem cannot
	// block step-down.
	Unmount(mountpoint string) error

	// UnmapDevice force-unmaps the block device.
	UnmapDevice(ctx context.Context, device string) error
}

// Logger is a lightweight structured logger interface.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field holds a structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// Metrics records counters and gauges.
type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
}

// Label is a simple name/value pair for metrics.
type Label struct {
	Name  string
	Value string
}

type nopLogger struct{}

// NopLogger returns a no-op logger implementation.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

type nopMetrics struct{}

// NopMetrics returns a no-op metrics recorder.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) IncCounter(string, float64, ...Label)       {}
func (nopMetrics) SetGauge(string, float64, ...Label)         {}
func (nopMetrics) ObserveHistogram(string, float64, ...Label) {}
