package roled

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ycluster/roled/internal/localstate"
)

func newTestEscalator(sys *fakeSys, state localstate.Store, stepTimeout time.Duration) *escalator {
	return newEscalator(testRole(), sys, state, stepTimeout, NopLogger(), NopMetrics())
}

func TestEscalateOrder(t *testing.T) {
	sys := newFakeSys()
	sys.setMounted("/mnt/vol", true)
	sys.stickyMounts = true
	state := localstate.NewMemory()

	newTestEscalator(sys, state, time.Second).escalate(context.Background())

	kill := sys.index("kill:vol-worker")
	fs := sys.index("fsshutdown:/mnt/vol")
	um := sys.index("unmount:/mnt/vol")
	unmap := sys.index("unmap:/dev/rbd/rbd/vol")
	if kill < 0 || fs < 0 || um < 0 || unmap < 0 {
		t.Fatalf("missing teardown step: kill=%d fs=%d unmount=%d unmap=%d", kill, fs, um, unmap)
	}
	if !(kill < fs && fs < um && um < unmap) {
		t.Fatalf("teardown out of order: kill=%d fs=%d unmount=%d unmap=%d", kill, fs, um, unmap)
	}
}

func TestEscalateSkipsFsShutdownWhenNotMounted(t *testing.T) {
	sys := newFakeSys()
	state := localstate.NewMemory()

	newTestEscalator(sys, state, time.Second).escalate(context.Background())

	if sys.calls("fsshutdown:/mnt/vol") != 0 {
		t.Fatalf("filesystem shutdown must be skipped when nothing is mounted")
	}
	// The unmount and unmap passes still run; they are cheap no-ops.
	if sys.calls("unmount:/mnt/vol") != 1 {
		t.Fatalf("expected unmount attempt")
	}
}

func TestEscalateClearsStateDespiteFailures(t *testing.T) {
	sys := newFakeSys()
	sys.errUnmap = errors.New("device busy")
	state := localstate.NewMemory()
	if err := state.Save(localstate.Record{LeaseID: "lease-1", NodeID: "n"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	newTestEscalator(sys, state, time.Second).escalate(context.Background())

	if _, present, _ := state.Load(); present {
		t.Fatalf("marker must be cleared even when a teardown step fails")
	}
}

func TestEscalateStepTimeoutDoesNotWedge(t *testing.T) {
	sys := newFakeSys()
	sys.opDelay = time.Second // every kill/unmap hangs past the budget
	state := localstate.NewMemory()

	begin := time.Now()
	newTestEscalator(sys, state, 50*time.Millisecond).escalate(context.Background())
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Fatalf("escalation must abandon wedged steps, took %v", elapsed)
	}
	if _, present, _ := state.Load(); present {
		t.Fatalf("marker must be cleared after timed-out steps")
	}
}
