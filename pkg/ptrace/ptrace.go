//go:build linux

// Package ptrace is a thin wrapper over the ptrace/wait4 family in
// golang.org/x/sys/unix, scoped to exactly the requests the process
// monitor needs: attach, detach (optionally delivering a signal),
// continue, set trace options, and read the event message carried by a
// ptrace-event-stop.
//
// x/sys/unix's PtraceDetach doesn't accept a signal argument, so Detach
// falls back to a raw PTRACE_DETACH syscall when a signal must be
// redelivered on detach.
package ptrace

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Options are the trace-option bits set on spawners (fork, vfork, exit)
// and on confirmed app processes (clone, exec, exit).
const (
	OptionsSpawner = unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXIT
	OptionsProcess = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT
)

// wait4Flags is the flag set passed to Wait4: WALL so stops from any
// thread of a multi-threaded tracee are seen, matching the original
// monitor's __WALL. x/sys/unix does not expose __WNOTHREAD on most
// arches; since this process only ever waits on pids it has itself
// ptrace-attached to, there is no other thread group whose children
// could be reaped out from under it, so the omission is benign.
const wait4Flags = unix.WALL

// Attach starts tracing pid.
func Attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return errors.Wrapf(err, "ptrace: attach %d", pid)
	}
	return nil
}

// Detach stops tracing pid. If sig is nonzero, it is delivered to the
// tracee as part of detaching (PTRACE_DETACH's data argument).
func Detach(pid int, sig unix.Signal) error {
	if sig == 0 {
		if err := unix.PtraceDetach(pid); err != nil {
			return errors.Wrapf(err, "ptrace: detach %d", pid)
		}
		return nil
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errors.Wrapf(errno, "ptrace: detach %d with signal %d", pid, sig)
	}
	return nil
}

// Cont resumes pid, optionally redelivering sig.
func Cont(pid int, sig unix.Signal) error {
	if err := unix.PtraceCont(pid, int(sig)); err != nil {
		return errors.Wrapf(err, "ptrace: cont %d", pid)
	}
	return nil
}

// SetOptions installs trace-option bits (OptionsSpawner or
// OptionsProcess) on pid.
func SetOptions(pid int, options int) error {
	if err := unix.PtraceSetOptions(pid, options); err != nil {
		return errors.Wrapf(err, "ptrace: setoptions %d", pid)
	}
	return nil
}

// GetEventMsg reads the auxiliary message (e.g. the new child's pid on
// a PTRACE_EVENT_FORK/VFORK stop) associated with the most recent
// ptrace-event-stop for pid.
func GetEventMsg(pid int) (uint, error) {
	msg, err := unix.PtraceGetEventMsg(pid)
	if err != nil {
		return 0, errors.Wrapf(err, "ptrace: geteventmsg %d", pid)
	}
	return msg, nil
}

// Wait blocks for a stop/exit from any tracee of this process, the Go
// equivalent of waitpid(-1, &status, __WALL) (see wait4Flags). It returns
// unix.ECHILD verbatim when there is nothing left to wait for so the
// caller can distinguish "no tracees" from other failures.
func Wait() (pid int, status unix.WaitStatus, err error) {
	var ws unix.WaitStatus
	p, err := unix.Wait4(-1, &ws, wait4Flags, nil)
	if err != nil {
		return 0, 0, err
	}
	return p, ws, nil
}

// WaitNoHang polls once for a stop/exit from any tracee without
// blocking (WNOHANG). pid is 0 if no tracee currently has a waitable
// state change. The monitor's event router uses this rather than a
// plain blocking Wait because Go has no portable way to interrupt a
// thread parked in a blocking wait4 the way the original interrupts
// its waitpid with a signal; polling on a short ticker is the
// idiomatic substitute (see DESIGN.md).
func WaitNoHang() (pid int, status unix.WaitStatus, err error) {
	var ws unix.WaitStatus
	p, err := unix.Wait4(-1, &ws, wait4Flags|unix.WNOHANG, nil)
	if err != nil {
		return 0, 0, err
	}
	return p, ws, nil
}

// WaitPid blocks for a stop/exit specifically from pid, the Go
// equivalent of waitpid(pid, &status, __WALL) (see wait4Flags). Used only
// for the initial post-attach stop during spawner adoption, where the
// caller already knows which pid it is waiting for.
func WaitPid(pid int) (status unix.WaitStatus, err error) {
	var ws unix.WaitStatus
	_, err = unix.Wait4(pid, &ws, wait4Flags, nil)
	if err != nil {
		return 0, err
	}
	return ws, nil
}

// EventFromStatus extracts the PTRACE_EVENT_* code carried in the high
// bits of a ptrace-event-stop's wait status. It is 0 (no event) for a
// SIGTRAP stop that carries no event, and -1 for a stop by any other
// signal.
func EventFromStatus(status unix.WaitStatus) int {
	return status.TrapCause()
}

// StopSignal extracts the delivered/trap signal from a stop status.
func StopSignal(status unix.WaitStatus) unix.Signal {
	return status.StopSignal()
}
