//go:build linux

package ptrace

import (
	"os/exec"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func spawn(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sleep", "5")
	assert.NilError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestAttachWaitSetOptionsContDetach(t *testing.T) {
	// The kernel accepts ptrace requests only from the thread that attached.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := spawn(t)
	pid := cmd.Process.Pid

	assert.NilError(t, Attach(pid))

	status, err := WaitPid(pid)
	assert.NilError(t, err)
	assert.Check(t, status.Stopped())

	assert.NilError(t, SetOptions(pid, OptionsSpawner))
	assert.NilError(t, Cont(pid, 0))

	// PTRACE_DETACH needs a stopped tracee, so stop it again after Cont.
	assert.NilError(t, unix.Kill(pid, unix.SIGSTOP))
	_, err = WaitPid(pid)
	assert.NilError(t, err)
	assert.NilError(t, Detach(pid, 0))
}

func TestDetachWithSignal(t *testing.T) {
	cmd := spawn(t)
	pid := cmd.Process.Pid

	assert.NilError(t, Attach(pid))
	_, err := WaitPid(pid)
	assert.NilError(t, err)

	assert.NilError(t, Detach(pid, unix.SIGCONT))
}

func TestAttachOnGonePidFails(t *testing.T) {
	cmd := spawn(t)
	pid := cmd.Process.Pid
	assert.NilError(t, cmd.Process.Kill())
	_, _ = cmd.Process.Wait()

	err := Attach(pid)
	assert.Check(t, err != nil)
}
