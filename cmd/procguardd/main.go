// Command procguardd is a thin bootstrap that wires a Monitor to real
// signal handling and a stub Collaborators implementation. It
// demonstrates how a host process is expected to construct and run the
// library; it carries no configuration file, no flags, and no
// persistence of its own (procguard.Config has no on-disk form).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"

	"github.com/moby/procguard/pkg/procguard"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := procguard.New(procguard.Config{}, stubCollaborators{})

	log.L.Info("procguardd: starting")
	if err := m.Run(ctx); err != nil {
		log.L.WithError(err).Fatal("procguardd: exited with error")
	}
	log.L.Info("procguardd: stopped")
}

// stubCollaborators is the Collaborators used to exercise the wiring in
// this bootstrap: CrawlProcfs walks /proc for real, IsHideTarget always
// answers false, and the rest only log (HideDaemon also resumes the
// pid with SIGCONT). A real host process supplies its own
// procfs crawler, uid map, and hiding daemon; none of that logic is
// part of this module (spec.md §1).
type stubCollaborators struct{}

func (stubCollaborators) CrawlProcfs(ctx context.Context, f func(pid int) bool) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return err
	}
	for _, e := range entries {
		pid, err := parsePID(e.Name())
		if err != nil {
			continue
		}
		if !f(pid) {
			break
		}
	}
	return nil
}

func (stubCollaborators) UpdateUIDMap(ctx context.Context) error {
	log.L.Debug("procguardd: update uid map (stub, no-op)")
	return nil
}

func (stubCollaborators) IsHideTarget(ctx context.Context, uid int, cmdline string, confidence int) bool {
	log.L.WithField("uid", uid).WithField("cmdline", cmdline).Debug("procguardd: is hide target (stub, always false)")
	return false
}

func (stubCollaborators) HideDaemon(ctx context.Context, pid int) error {
	log.L.WithField("pid", pid).Warn("procguardd: hide daemon called but not implemented (stub)")
	return syscall.Kill(pid, syscall.SIGCONT)
}

func parsePID(name string) (int, error) {
	pid := 0
	if name == "" {
		return 0, errNotAPID
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, errNotAPID
		}
		pid = pid*10 + int(c-'0')
	}
	return pid, nil
}

var errNotAPID = pidError("procguardd: not a pid")

type pidError string

func (e pidError) Error() string { return string(e) }
