package procguard

import (
	"context"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/moby/procguard/pkg/procfs"
)

// preInitializedCmdline is what a forked child's cmdline reads before
// its exec() has replaced the spawner's argv with its own.
const preInitializedCmdline = "<pre-initialized>"

// appZygoteContext is the SELinux context of a second-stage spawner
// used for isolated/ephemeral app processes. A process still carrying
// one of the spawner names but already running under this context has
// already finished its own fork-into-app transition and can skip the
// pre-initialized cmdline wait (SPEC_FULL.md §10).
const appZygoteContext = "u:r:app_zygote:s0"

// inspector is component F. One is created per inspectWorker goroutine
// and runs inspect once per forked child handed to it over the
// monitor's fork-event channel.
type inspector struct {
	cfg  Config
	reg  *registry
	coll Collaborators
}

// inspect implements spec.md §4.F steps 1-8. By the time it is called
// the main loop has already detached pid from the spawner's trace, so
// pid is running freely until inspect explicitly SIGSTOPs it.
func (i *inspector) inspect(ctx context.Context, pid int) {
	i.waitNamespaceSeparated(ctx, pid)

	uid, err := procfs.Owner(pid)
	if err != nil {
		return
	}

	cmdline, ok := i.resolveCmdline(ctx, pid)
	if !ok {
		return
	}

	if uid == 0 {
		return
	}
	if i.cfg.isSpawnerName(cmdline) || i.cfg.isPrewarmedHelper(cmdline) {
		return
	}

	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		// Died between the cmdline read and here: nothing left to pause.
		return
	}

	if !i.coll.IsHideTarget(ctx, uid, cmdline, HideConfidence) {
		log.L.WithField("pid", pid).WithField("uid", uid).WithField("cmdline", cmdline).Debug("procguard: not a target")
		i.resume(pid)
		return
	}

	fp, err := procfs.MountNamespaceFingerprint(pid)
	if err != nil || i.reg.anySharesNS(fp) {
		log.L.WithField("pid", pid).WithField("uid", uid).WithField("cmdline", cmdline).Warn("procguard: skip, namespace not separated")
		i.resume(pid)
		return
	}

	log.L.WithField("pid", pid).WithField("uid", uid).WithField("cmdline", cmdline).Info("procguard: target")
	if err := i.coll.HideDaemon(ctx, pid); err != nil {
		log.L.WithError(err).WithField("pid", pid).Warn("procguard: hide daemon failed")
	}
}

// waitNamespaceSeparated polls pid's mount-namespace fingerprint until
// it no longer matches any known spawner, backing off by
// cfg.InspectPollInterval between reads and giving up after
// cfg.InspectPollCap iterations with only a debug log line; the caller
// goes on to classify the child either way.
func (i *inspector) waitNamespaceSeparated(ctx context.Context, pid int) {
	for n := 0; n < i.cfg.InspectPollCap; n++ {
		fp, err := procfs.MountNamespaceFingerprint(pid)
		if err != nil {
			return
		}
		if !i.reg.anySharesNS(fp) {
			return
		}
		if !i.sleep(ctx) {
			return
		}
	}
	log.L.WithField("pid", pid).Debug("procguard: namespace never separated before poll cap, proceeding to classify anyway")
}

// resolveCmdline reads pid's cmdline, applying the app-zygote fast
// path and otherwise re-reading while it still says
// "<pre-initialized>", up to cfg.InspectPollCap times. ok is false if
// the process died or got stuck, either of which means "not a
// target".
func (i *inspector) resolveCmdline(ctx context.Context, pid int) (cmdline string, ok bool) {
	cmdline, err := procfs.Cmdline(pid)
	if err != nil {
		return "", false
	}
	if i.isAppZygote(pid, cmdline) {
		return cmdline, true
	}
	for n := 0; cmdline == preInitializedCmdline; n++ {
		if n >= i.cfg.InspectPollCap {
			return "", false
		}
		if !i.sleep(ctx) {
			return "", false
		}
		cmdline, err = procfs.Cmdline(pid)
		if err != nil {
			return "", false
		}
	}
	return cmdline, true
}

// isAppZygote reports whether pid is a spawner-named process already
// running as a second-stage app zygote, per the supplemental fast path
// in SPEC_FULL.md §10. A missing or unreadable SELinux context (no
// SELinux, or a test double) is treated as "not an app zygote" rather
// than an error.
func (i *inspector) isAppZygote(pid int, cmdline string) bool {
	if !i.cfg.isSpawnerName(cmdline) {
		return false
	}
	secCtx, err := procfs.SelinuxContext(pid)
	if err != nil || secCtx == "" {
		return false
	}
	return secCtx == appZygoteContext
}

func (i *inspector) resume(pid int) {
	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		log.L.WithError(err).WithField("pid", pid).Debug("procguard: resume failed (pid likely gone)")
	}
}

func (i *inspector) sleep(ctx context.Context) bool {
	t := time.NewTimer(i.cfg.InspectPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
