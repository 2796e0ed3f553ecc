package procguard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/moby/procguard/pkg/pidset"
	"github.com/moby/procguard/pkg/procfs"
	"github.com/moby/procguard/pkg/ptrace"
	"github.com/moby/procguard/pkg/watch"
)

// pollInterval is how often the event router polls for a ptrace
// stop/exit. See ptrace.WaitNoHang for why this is a poll rather than
// a true blocking wait.
const pollInterval = 2 * time.Millisecond

// forkEvent is the pending-fork handoff from the event router to the
// inspector worker pool. The original uses a single mutable cell that
// a burst of forks can race on (spec.md §3); this rearchitecture uses
// a buffered channel drained by a bounded pool of workers instead, per
// the Design Note in spec.md §9.
type forkEvent struct {
	childPID int
}

// Monitor is the process monitor core (components B through G of
// SPEC_FULL.md). Construct with New and run with Run; Run owns the
// single goroutine that mutates the registry and attachment set.
type Monitor struct {
	cfg  Config
	coll Collaborators

	reg      *registry
	attached pidset.Set

	forkCh chan forkEvent
	rescan *time.Ticker

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Monitor. Call Run to start it; Run blocks until the
// context passed to it is canceled or Stop is called.
func New(cfg Config, coll Collaborators) *Monitor {
	cfg = cfg.WithDefaults()
	return &Monitor{
		cfg:    cfg,
		coll:   coll,
		reg:    newRegistry(),
		forkCh: make(chan forkEvent, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run is the event router + lifecycle plane (components E and G). It
// installs the inotify watch, performs the initial spawner discovery,
// then loops dispatching ptrace events, rescan ticks, and filesystem
// events until ctx is canceled or Stop is called. On return, the
// registry and attachment set are empty and the inotify descriptor is
// closed.
func (m *Monitor) Run(ctx context.Context) error {
	// Deferred first so it runs last: Stop must not unblock until every
	// other deferred cleanup below (worker shutdown, watcher close,
	// ticker stop) has actually executed.
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The kernel accepts ptrace requests for a tracee only from the thread
	// that attached it, and every attach/cont/detach here runs on this
	// goroutine, so keep it on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	workers, workerCtx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.MaxInFlightInspections; i++ {
		workers.Go(func() error {
			m.inspectWorker(workerCtx)
			return nil
		})
	}
	defer workers.Wait()

	execPaths := m.cfg.SpawnerExecPaths
	if len(execPaths) > 2 {
		if _, err := os.Stat(execPaths[0]); err == nil {
			execPaths = execPaths[:2]
		} else {
			execPaths = execPaths[2:]
		}
	}
	w, err := watch.Open(m.cfg.PackageDBDir, m.cfg.PackageDBFile, execPaths)
	if err != nil {
		log.L.WithError(err).Warn("procguard: inotify setup failed, continuing with periodic rescan only")
		w = nil
	}
	if w != nil {
		defer w.Close()
	}

	disc := &discovery{cfg: m.cfg, reg: m.reg, coll: m.coll}

	m.rescan = time.NewTicker(m.cfg.RescanInterval)
	defer m.rescan.Stop()

	disc.scanOnce(ctx)
	m.disarmRescanIfDone()

	traceCh := make(chan traceResult, 16)
	go m.traceLoop(ctx, traceCh)

	var watchEvents <-chan watch.Event
	if w != nil {
		watchEvents = w.Events()
	}

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case <-m.stopCh:
			cancel()
			m.teardown()
			return nil
		case <-m.rescan.C:
			disc.scanOnce(ctx)
			m.disarmRescanIfDone()
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if ev.Kind == watch.PackageDBWritten {
				if err := m.coll.UpdateUIDMap(ctx); err != nil {
					log.L.WithError(err).Warn("procguard: update uid map failed")
				}
			}
			disc.scanOnce(ctx)
			m.disarmRescanIfDone()
		case tr, ok := <-traceCh:
			if !ok {
				continue
			}
			m.handleTraceResult(ctx, tr)
		}
	}
}

// Stop signals the monitor's Run goroutine to tear down and returns
// once teardown has completed. It is idempotent: calling it more than
// once after the first call has taken effect is a no-op, satisfying
// testable property 6 in spec.md §8.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

// disarmRescanIfDone stops the periodic rescan ticker once discovery
// has found the expected number of spawners (spec.md §3 Invariant 3).
func (m *Monitor) disarmRescanIfDone() {
	if discoveryComplete(m.reg.count()) {
		m.rescan.Stop()
	}
}

// armRescanIfNeeded re-arms the periodic rescan ticker when the
// registry has dropped below the expected spawner count. spec.md §7
// calls this out explicitly: it is implied by Invariant 3 but must be
// enforced, not merely assumed, whenever a spawner is lost.
func (m *Monitor) armRescanIfNeeded() {
	if !discoveryComplete(m.reg.count()) {
		m.rescan.Reset(m.cfg.RescanInterval)
	}
}

// teardown clears the registry and attachment set, matching the
// original term_thread handler (spec.md §4.G). Detaching every
// individually tracked pid is best-effort: a pid that is not currently
// ptrace-stopped cannot accept PTRACE_DETACH, and the relationship is
// dropped regardless once this process stops issuing ptrace calls for
// it.
func (m *Monitor) teardown() {
	log.L.Debug("procguard: tearing down")
	m.reg.clear()
	m.attached.ClearAll()
}

// traceResult is what the dedicated poll loop hands to the event
// router for each ptrace stop/exit it observes.
type traceResult struct {
	pid    int
	status unix.WaitStatus
}

// traceLoop polls ptrace.WaitNoHang on a short interval and forwards
// results to out. See ptrace.WaitNoHang's doc comment for why this is
// a poll loop rather than a blocking wait parked on a dedicated OS
// thread.
func (m *Monitor) traceLoop(ctx context.Context, out chan<- traceResult) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pid, status, err := ptrace.WaitNoHang()
		if err != nil || pid == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		select {
		case out <- traceResult{pid: pid, status: status}:
		case <-ctx.Done():
			return
		}
	}
}

// handleTraceResult implements the rule table in spec.md §4.E.
func (m *Monitor) handleTraceResult(ctx context.Context, tr traceResult) {
	pid, status := tr.pid, tr.status

	if !status.Stopped() {
		// Not a ptrace-stop (e.g. plain exit of an untraced child we
		// happened to reap): best-effort detach and move on.
		m.detach(pid, 0)
		if m.reg.contains(pid) {
			m.reg.forget(pid)
			m.armRescanIfNeeded()
		}
		m.safeClear(pid)
		return
	}

	signal := status.StopSignal()
	event := ptrace.EventFromStatus(status)

	if signal == unix.SIGTRAP && event != 0 {
		if m.reg.contains(pid) {
			switch event {
			case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
				msg, err := ptrace.GetEventMsg(pid)
				if err != nil {
					log.L.WithError(err).WithField("pid", pid).Warn("procguard: geteventmsg failed")
					m.detach(pid, 0)
					return
				}
				child := int(msg)
				log.L.WithField("spawner", pid).WithField("child", child).Debug("procguard: spawner forked")
				m.safeClear(child)
				m.detach(child, 0)
				m.dispatchInspect(ctx, child)
				if err := ptrace.Cont(pid, 0); err != nil {
					log.L.WithError(err).WithField("pid", pid).Warn("procguard: cont spawner after fork failed")
				}
			case unix.PTRACE_EVENT_EXIT:
				log.L.WithField("pid", pid).Debug("procguard: spawner exited")
				m.reg.forget(pid)
				m.armRescanIfNeeded()
				m.detach(pid, 0)
			default:
				m.reg.forget(pid)
				m.armRescanIfNeeded()
				m.detach(pid, 0)
			}
			return
		}
		m.detach(pid, 0)
		return
	}

	if signal == unix.SIGSTOP {
		if !m.safeTest(pid) {
			if isThreadGroupLeaderFn(pid) {
				m.safeSet(pid)
			}
		}
		if m.safeTest(pid) {
			if err := ptrace.SetOptions(pid, ptrace.OptionsProcess); err != nil {
				log.L.WithError(err).WithField("pid", pid).Warn("procguard: setoptions on child failed")
			}
			if err := ptrace.Cont(pid, 0); err != nil {
				log.L.WithError(err).WithField("pid", pid).Warn("procguard: cont child failed")
			}
		} else {
			m.detach(pid, 0)
		}
		return
	}

	// Not caused by us: forward the signal.
	if err := ptrace.Cont(pid, signal); err != nil {
		log.L.WithError(err).WithField("pid", pid).WithField("signal", signal).Warn("procguard: forwarding signal failed")
	}
}

func (m *Monitor) detach(pid int, sig unix.Signal) {
	if err := ptrace.Detach(pid, sig); err != nil {
		log.L.WithError(err).WithField("pid", pid).Debug("procguard: detach failed (pid likely gone)")
	}
}

// dispatchInspect hands a forked child to the inspector worker pool.
// If every worker is busy the send blocks in its own goroutine rather
// than the router, so a fork storm never stalls the event loop (and a
// router-thread-never-blocks-on-a-full-queue behavior is still
// trivially bounded by ctx cancellation on shutdown).
func (m *Monitor) dispatchInspect(ctx context.Context, childPID int) {
	go func() {
		select {
		case m.forkCh <- forkEvent{childPID: childPID}:
		case <-ctx.Done():
		}
	}()
}

func (m *Monitor) inspectWorker(ctx context.Context) {
	insp := &inspector{cfg: m.cfg, reg: m.reg, coll: m.coll}
	for {
		select {
		case <-ctx.Done():
			return
		case fe := <-m.forkCh:
			insp.inspect(ctx, fe.childPID)
		}
	}
}

func (m *Monitor) safeSet(pid int) {
	if pid >= 1 && pid <= pidset.PIDMax {
		m.attached.Set(pid)
	}
}

func (m *Monitor) safeClear(pid int) {
	if pid >= 1 && pid <= pidset.PIDMax {
		m.attached.Clear(pid)
	}
}

func (m *Monitor) safeTest(pid int) bool {
	if pid >= 1 && pid <= pidset.PIDMax {
		return m.attached.Test(pid)
	}
	return false
}

// isThreadGroupLeaderFn is a package-level indirection so tests can
// stub procfs access without touching a real /proc.
var isThreadGroupLeaderFn = procfs.IsThreadGroupLeader
