// Package procguard is the process monitor core: it watches one or two
// spawner processes, traces every child they fork, and pauses each
// forked child long enough for an external hiding daemon to scrub its
// view of the filesystem before letting it run.
//
// The package is a library, not a binary (see cmd/procguardd for a
// thin bootstrap): callers construct a Monitor with a Config and a
// Collaborators implementation and call Run.
package procguard

import (
	"context"
	"runtime"
	"time"

	"github.com/moby/procguard/pkg/procfs"
)

// Spawner is the registry's record for a traced spawner process.
type Spawner struct {
	PID         int
	Fingerprint procfs.NSFingerprint
}

// Collaborators bundles the external systems the monitor does not own
// (spec.md §6): procfs enumeration, the uid/package map, the
// hide-target predicate, and the hiding daemon itself.
type Collaborators interface {
	// CrawlProcfs enumerates live pids, calling f for each. f returns
	// false to stop the walk early.
	CrawlProcfs(ctx context.Context, f func(pid int) bool) error
	// UpdateUIDMap invalidates/rebuilds the uid<->package cache.
	UpdateUIDMap(ctx context.Context) error
	// IsHideTarget reports whether the given uid/cmdline pair should be
	// hidden from root. confidence is passed through unchanged; its
	// meaning is owned entirely by the implementation (see
	// SPEC_FULL.md's Open Question on the literal 95 threshold).
	IsHideTarget(ctx context.Context, uid int, cmdline string, confidence int) bool
	// HideDaemon takes a stopped pid, performs the unmounts inside its
	// mount namespace, and resumes it. It must always either resume or
	// kill the pid.
	HideDaemon(ctx context.Context, pid int) error
}

// HideConfidence is the literal confidence/threshold constant the
// original zygote monitor carries through to is_hide_target unchanged
// and undocumented. Preserved verbatim per SPEC_FULL.md.
const HideConfidence = 95

// Config holds every tunable the monitor exposes. There is no file
// format, environment variable, or CLI surface for it (spec.md §6
// Non-goal); callers build one in code.
type Config struct {
	// PackageDBDir and PackageDBFile identify the watched package
	// database (defaults: "/data/system", "packages.xml").
	PackageDBDir  string
	PackageDBFile string

	// SpawnerExecPaths are tried in order for the IN_ACCESS watch. If
	// the first exists, only it and (if present) the second are
	// watched, matching the original's 32/64-bit probing (defaults:
	// "/system/bin/app_process32", "/system/bin/app_process64",
	// falling back to "/system/bin/app_process" alone).
	SpawnerExecPaths []string

	// SpawnerNames is the literal set of cmdline values that identify a
	// spawner, which must never be treated as an app (defaults: zygote,
	// zygote32, zygote64).
	SpawnerNames []string

	// PrewarmedHelperNames identifies pre-warmed helper processes that
	// are never hiding targets (defaults: usap32, usap64).
	PrewarmedHelperNames []string

	// RescanInterval is how often discovery re-scans procfs while
	// fewer than the expected number of spawners is known (default
	// 250ms).
	RescanInterval time.Duration

	// InspectPollInterval is the back-off between polls while waiting
	// for a forked child's mount namespace to separate or its cmdline
	// to leave "<pre-initialized>" (default ~10µs).
	InspectPollInterval time.Duration

	// InspectPollCap bounds the number of polls in each of those waits
	// (default 300000, i.e. ~3s at the default interval).
	InspectPollCap int

	// MaxInFlightInspections bounds the number of concurrently running
	// child-inspector goroutines (default 64).
	MaxInFlightInspections int
}

// expectedSpawners resolves the open question in spec.md §9 via the
// build's GOARCH rather than guessing: 2 on 64-bit architectures where
// a 32-bit app_process may coexist, 1 otherwise.
func expectedSpawners() int {
	switch runtime.GOARCH {
	case "amd64", "arm64", "riscv64", "loong64", "mips64", "mips64le", "ppc64", "ppc64le", "s390x":
		return 2
	default:
		return 1
	}
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// the defaults described above.
func (c Config) WithDefaults() Config {
	if c.PackageDBDir == "" {
		c.PackageDBDir = "/data/system"
	}
	if c.PackageDBFile == "" {
		c.PackageDBFile = "packages.xml"
	}
	if len(c.SpawnerExecPaths) == 0 {
		c.SpawnerExecPaths = []string{
			"/system/bin/app_process32",
			"/system/bin/app_process64",
			"/system/bin/app_process",
		}
	}
	if len(c.SpawnerNames) == 0 {
		c.SpawnerNames = []string{"zygote", "zygote32", "zygote64"}
	}
	if len(c.PrewarmedHelperNames) == 0 {
		c.PrewarmedHelperNames = []string{"usap32", "usap64"}
	}
	if c.RescanInterval == 0 {
		c.RescanInterval = 250 * time.Millisecond
	}
	if c.InspectPollInterval == 0 {
		c.InspectPollInterval = 10 * time.Microsecond
	}
	if c.InspectPollCap == 0 {
		c.InspectPollCap = 300000
	}
	if c.MaxInFlightInspections == 0 {
		c.MaxInFlightInspections = 64
	}
	return c
}

func (c Config) isSpawnerName(cmdline string) bool {
	for _, n := range c.SpawnerNames {
		if cmdline == n {
			return true
		}
	}
	return false
}

// discoveryComplete implements the §3 predicate: the registry has at
// least expectedSpawners() entries.
func discoveryComplete(count int) bool {
	return count >= expectedSpawners()
}

func (c Config) isPrewarmedHelper(cmdline string) bool {
	for _, n := range c.PrewarmedHelperNames {
		if cmdline == n {
			return true
		}
	}
	return false
}
