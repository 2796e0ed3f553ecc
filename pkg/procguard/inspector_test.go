package procguard

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/skip"

	"github.com/moby/procguard/pkg/procfs"
)

// fakeCollaborators is the test double for Collaborators used
// throughout this package's tests.
type fakeCollaborators struct {
	isTarget    bool
	hideCalled  chan int
	uidMapCalls int
}

func newFakeCollaborators(isTarget bool) *fakeCollaborators {
	return &fakeCollaborators{isTarget: isTarget, hideCalled: make(chan int, 8)}
}

func (f *fakeCollaborators) CrawlProcfs(ctx context.Context, fn func(pid int) bool) error {
	return nil
}

func (f *fakeCollaborators) UpdateUIDMap(ctx context.Context) error {
	f.uidMapCalls++
	return nil
}

func (f *fakeCollaborators) IsHideTarget(ctx context.Context, uid int, cmdline string, confidence int) bool {
	return f.isTarget
}

func (f *fakeCollaborators) HideDaemon(ctx context.Context, pid int) error {
	f.hideCalled <- pid
	return unix.Kill(pid, unix.SIGCONT)
}

// spawnSleeper starts a short-lived real process with the given
// argv[0] (what ends up as its /proc/<pid>/cmdline) so tests can
// exercise the inspector's procfs reads against a real pid without a
// purpose-built helper binary.
func spawnSleeper(t *testing.T, argv0 string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sleep")
	cmd.Args = []string{argv0, "5"}
	assert.NilError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func testInspectorConfig() Config {
	c := Config{
		InspectPollInterval: time.Millisecond,
		InspectPollCap:      3,
	}.WithDefaults()
	return c
}

func TestInspectNonTargetResumes(t *testing.T) {
	skip.If(t, os.Getuid() == 0, "uid==0 would hit the uid exclusion before classification")

	cmd := spawnSleeper(t, "com.example.clean")
	coll := newFakeCollaborators(false)
	insp := &inspector{cfg: testInspectorConfig(), reg: newRegistry(), coll: coll}

	insp.inspect(context.Background(), cmd.Process.Pid)

	assert.Check(t, procfs.Alive(cmd.Process.Pid))
	select {
	case pid := <-coll.hideCalled:
		t.Fatalf("hide daemon unexpectedly called for pid %d", pid)
	default:
	}
}

func TestInspectTargetInvokesHideDaemon(t *testing.T) {
	skip.If(t, os.Getuid() == 0, "uid==0 would hit the uid exclusion before classification")

	cmd := spawnSleeper(t, "com.example.target")
	coll := newFakeCollaborators(true)
	insp := &inspector{cfg: testInspectorConfig(), reg: newRegistry(), coll: coll}

	insp.inspect(context.Background(), cmd.Process.Pid)

	select {
	case pid := <-coll.hideCalled:
		assert.Equal(t, pid, cmd.Process.Pid)
	default:
		t.Fatal("expected hide daemon to be called")
	}
}

func TestInspectSharedNamespaceNeverInvokesHideDaemon(t *testing.T) {
	skip.If(t, os.Getuid() == 0, "uid==0 would hit the uid exclusion before classification")

	cmd := spawnSleeper(t, "com.example.target")
	fp, err := procfs.MountNamespaceFingerprint(cmd.Process.Pid)
	assert.NilError(t, err)

	reg := newRegistry()
	reg.upsert(1, fp) // pretend a live spawner shares this child's namespace

	coll := newFakeCollaborators(true)
	insp := &inspector{cfg: testInspectorConfig(), reg: reg, coll: coll}

	insp.inspect(context.Background(), cmd.Process.Pid)

	assert.Check(t, procfs.Alive(cmd.Process.Pid))
	select {
	case pid := <-coll.hideCalled:
		t.Fatalf("hide daemon unexpectedly called for pid %d", pid)
	default:
	}
}

func TestInspectPrewarmedHelperSkipsEarly(t *testing.T) {
	cmd := spawnSleeper(t, "usap64")
	coll := newFakeCollaborators(true)
	insp := &inspector{cfg: testInspectorConfig(), reg: newRegistry(), coll: coll}

	insp.inspect(context.Background(), cmd.Process.Pid)

	select {
	case pid := <-coll.hideCalled:
		t.Fatalf("hide daemon unexpectedly called for pid %d", pid)
	default:
	}
}

func TestInspectDeadPidReturnsCleanly(t *testing.T) {
	cmd := spawnSleeper(t, "com.example.target")
	pid := cmd.Process.Pid
	assert.NilError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	coll := newFakeCollaborators(true)
	insp := &inspector{cfg: testInspectorConfig(), reg: newRegistry(), coll: coll}

	insp.inspect(context.Background(), pid)

	select {
	case p := <-coll.hideCalled:
		t.Fatalf("hide daemon unexpectedly called for dead pid %d", p)
	default:
	}
}
