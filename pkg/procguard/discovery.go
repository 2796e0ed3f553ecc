package procguard

import (
	"context"

	"github.com/containerd/log"

	"github.com/moby/procguard/pkg/procfs"
	"github.com/moby/procguard/pkg/ptrace"
)

// discovery is component D. scanOnce enumerates procfs looking for
// spawners and adopts each one found; the monitor arms or disarms the
// rescan ticker based on whether the registry now reports "done".
type discovery struct {
	cfg  Config
	reg  *registry
	coll Collaborators
}

func (d *discovery) scanOnce(ctx context.Context) {
	err := d.coll.CrawlProcfs(ctx, func(pid int) bool {
		cmdline, err := procfs.Cmdline(pid)
		if err != nil {
			return true
		}
		if !d.cfg.isSpawnerName(cmdline) && !hasSpawnerPrefix(cmdline) {
			return true
		}
		ppid, err := procfs.ParentPID(pid)
		if err != nil || ppid != 1 {
			return true
		}
		d.adopt(ctx, pid)
		return true
	})
	if err != nil {
		log.L.WithError(err).Warn("procguard: discovery scan failed")
	}
}

// hasSpawnerPrefix is the looser "spawner*" prefix check, applied
// alongside the exact-name set in Config.SpawnerNames, which is the
// original's actual skip-self comparison (SPEC_FULL.md §10). Names
// such as "zygote" match only through that exact-name set.
func hasSpawnerPrefix(cmdline string) bool {
	const prefix = "spawner"
	return len(cmdline) >= len(prefix) && cmdline[:len(prefix)] == prefix
}

// adopt reads pid's mount-namespace fingerprint and either updates an
// existing spawner record or performs the full attach sequence for a
// newly discovered one.
func (d *discovery) adopt(ctx context.Context, pid int) {
	fp, err := procfs.MountNamespaceFingerprint(pid)
	if err != nil {
		// Process died or namespace unreadable: silently skip, per
		// spec.md §4.D.
		return
	}

	isNew := d.reg.upsert(pid, fp)
	if !isNew {
		return
	}

	log.L.WithField("pid", pid).Debug("procguard: discovered spawner")

	if err := ptrace.Attach(pid); err != nil {
		log.L.WithError(err).WithField("pid", pid).Warn("procguard: attach spawner failed")
		d.reg.forget(pid)
		return
	}
	if _, err := ptrace.WaitPid(pid); err != nil {
		log.L.WithError(err).WithField("pid", pid).Warn("procguard: initial wait for spawner failed")
		d.reg.forget(pid)
		return
	}
	if err := ptrace.SetOptions(pid, ptrace.OptionsSpawner); err != nil {
		log.L.WithError(err).WithField("pid", pid).Warn("procguard: setoptions on spawner failed")
		d.reg.forget(pid)
		return
	}
	if err := ptrace.Cont(pid, 0); err != nil {
		log.L.WithError(err).WithField("pid", pid).Warn("procguard: cont spawner failed")
		d.reg.forget(pid)
		return
	}
}
