// Package sysd is the systemd-backed service manager: units are started
// and stopped over the D-Bus API and each call reports its job result
// synchronously.
package sysd

import (
	"context"
	"fmt"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
)

// Manager starts and stops systemd units.
type Manager struct {
	conn *sdbus.Conn
}

// New connects to the system bus.
func New(ctx context.Context) (*Manager, error) {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

// Close releases the D-Bus connection.
func (m *Manager) Close() {
	m.conn.Close()
}

// Start starts a unit and waits for the job result, bounded by ctx.
func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.run(ctx, unit, "start", m.conn.StartUnitContext)
}

// Stop stops a unit and waits for the job result, bounded by ctx.
// Stopping an inactive unit completes as "done", so Stop is idempotent.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	return m.run(ctx, unit, "stop", m.conn.StopUnitContext)
}

type unitOp func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *Manager) run(ctx context.Context, unit, verb string, op unitOp) error {
	result := make(chan string, 1)
	if _, err := op(ctx, unit, "replace", result); err != nil {
		return fmt.Errorf("%s %s: %w", verb, unit, err)
	}
	select {
	case res := <-result:
		if res != "done" {
			return fmt.Errorf("%s %s: job result %q", verb, unit, res)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", verb, unit, ctx.Err())
	}
}
