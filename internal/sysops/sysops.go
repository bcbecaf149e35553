// Package sysops implements the host-level teardown primitives: process
// inspection and forced kill, mountpoint checks, filesystem shutdown,
// lazy unmount and block device unmap.
package sysops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// XFS_IOC_GOINGDOWN, _IOR('X', 125, uint32). Not wrapped by x/sys.
const xfsIocGoingDown = 0x8004587d

// XFS_FSOP_GOING_FLAGS_NOLOGFLUSH: abandon in-flight I/O and skip the
// log flush, so the shutdown cannot itself hang on the device.
const xfsGoingFlagsNoLogFlush = 0x2

// Ops is the production SystemOps implementation.
type Ops struct{}

// New returns host-backed system operations.
func New() *Ops { return &Ops{} }

// MatchingProcesses counts processes whose name or command line matches
// the pattern. The calling process is never counted.
func (o *Ops) MatchingProcesses(ctx context.Context, pattern string) (int, error) {
	procs, err := o.match(ctx, pattern)
	if err != nil {
		return 0, err
	}
	return len(procs), nil
}

// KillProcesses sends SIGKILL to every matching process. Non-catchable
// by design: the graceful path already had its chance.
func (o *Ops) KillProcesses(ctx context.Context, pattern string) (int, error) {
	procs, err := o.match(ctx, pattern)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range procs {
		if err := p.KillWithContext(ctx); err != nil {
			// Already-gone processes are a success for our purposes.
			if strings.Contains(err.Error(), "no such process") {
				continue
			}
			return killed, fmt.Errorf("kill pid %d: %w", p.Pid, err)
		}
		killed++
	}
	return killed, nil
}

func (o *Ops) match(ctx context.Context, pattern string) ([]*process.Process, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("process pattern %q: %w", pattern, err)
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	var matched []*process.Process
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err == nil && re.MatchString(name) {
			matched = append(matched, p)
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err == nil && cmdline != "" && re.MatchString(cmdline) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// IsMounted reports whether a filesystem is mounted at mountpoint.
func (o *Ops) IsMounted(mountpoint string) (bool, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return false, fmt.Errorf("read mounts: %w", err)
	}
	for _, p := range parts {
		if p.Mountpoint == mountpoint {
			return true, nil
		}
	}
	return false, nil
}

// ShutdownFilesystem issues the XFS going-down directive at mountpoint,
// abandoning all in-flight I/O immediately instead of attempting a clean
// unmount.
func (o *Ops) ShutdownFilesystem(mountpoint string) error {
	fd, err := unix.Open(mountpoint, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", mountpoint, err)
	}
	defer unix.Close(fd)
	if err := unix.IoctlSetPointerInt(fd, xfsIocGoingDown, xfsGoingFlagsNoLogFlush); err != nil {
		return fmt.Errorf("xfs shutdown %s: %w", mountpoint, err)
	}
	return nil
}

// Unmount lazily detaches the mountpoint. MNT_DETACH returns immediately
// and lets the kernel finish the detach when the last reference drops.
func (o *Ops) Unmount(mountpoint string) error {
	if err := unix.Unmount(mountpoint, unix.MNT_DETACH); err != nil {
		if err == unix.EINVAL || err == unix.ENOENT {
			// Not mounted (anymore).
			return nil
		}
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	return nil
}

// UnmapDevice force-unmaps the block device. RBD images go through the
// rbd tool, device-mapper targets (the LUKS layer) through dmsetup; both
// are the same external tools the service units map them with.
func (o *Ops) UnmapDevice(ctx context.Context, device string) error {
	var cmd *exec.Cmd
	if strings.Contains(device, "rbd") {
		cmd = exec.CommandContext(ctx, "rbd", "unmap", "-o", "force", device)
	} else {
		cmd = exec.CommandContext(ctx, "dmsetup", "remove", "-f", device)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("unmap %s: %w: %s", device, err, strings.TrimSpace(string(out)))
	}
	return nil
}
