//go:build linux

// Package watch opens a single inotify descriptor covering the
// package-database directory and the spawner executable(s), and feeds
// decoded events to a channel from a dedicated blocking reader
// goroutine.
//
// This is the re-architecture Design Note 2 of spec.md §9 calls for:
// the original handles inotify from inside an async-signal handler,
// which is a portability hazard it admits to; here a normal goroutine
// blocks in Read and the main loop never touches the fd directly.
//
// fsnotify is not used here (see DESIGN.md): its Op enumeration cannot
// express IN_ACCESS, which is required to watch the spawner
// executable, and folds IN_CLOSE_WRITE into the same bucket as
// IN_MODIFY, which would fire too eagerly on the package database.
package watch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// EventKind distinguishes the two classes of filesystem event the
// monitor cares about.
type EventKind int

const (
	// PackageDBWritten fires on IN_CLOSE_WRITE for the watched package
	// database file.
	PackageDBWritten EventKind = iota
	// SpawnerExecAccessed fires on IN_ACCESS for a watched spawner
	// executable path.
	SpawnerExecAccessed
)

// Event is a decoded inotify event relevant to the monitor.
type Event struct {
	Kind EventKind
	Name string
}

// Watcher owns one inotify fd and the goroutine reading it.
type Watcher struct {
	fd       int
	watchDir string
	dbFile   string
	events   chan Event
	done     chan struct{}
}

// Open sets up inotify watches on dbDir (watched for IN_CLOSE_WRITE on
// dbFile) and on execPaths (each existing path watched for IN_ACCESS; a
// missing path is skipped). Choosing which spawner paths to pass is the
// caller's job.
//
// If the inotify descriptor cannot be created or dbDir cannot be
// watched, Open returns a nil *Watcher and a non-nil error so the
// caller can continue without filesystem watches. A spawner path that
// exists but cannot be watched is logged and skipped.
func Open(dbDir, dbFile string, execPaths []string) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("watch: inotify_init1: %w", err)
	}

	if _, err := unix.InotifyAddWatch(fd, dbDir, unix.IN_CLOSE_WRITE); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watch: add watch on %s: %w", dbDir, err)
	}

	watchedAny := false
	for _, p := range execPaths {
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		if _, err := unix.InotifyAddWatch(fd, p, unix.IN_ACCESS); err != nil {
			log.L.WithError(err).WithField("path", p).Warn("watch: failed to add spawner exec watch")
			continue
		}
		watchedAny = true
	}
	if !watchedAny {
		log.L.Warn("watch: no spawner executable path found to watch; relying on periodic rescan")
	}

	w := &Watcher{
		fd:       fd,
		watchDir: dbDir,
		dbFile:   dbFile,
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
	go w.readLoop()
	return w, nil
}

// Events returns the channel events are delivered on. It is closed
// when Close is called.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) readLoop() {
	defer close(w.events)
	buf := make([]byte, unix.SizeofInotifyEvent+unix.PathMax+1)
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		nread, err := unix.Read(w.fd, buf)
		select {
		case <-w.done:
			return
		default:
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		w.decode(buf[:nread])
	}
}

func (w *Watcher) decode(b []byte) {
	off := 0
	for off+unix.SizeofInotifyEvent <= len(b) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&b[off]))
		nameStart := off + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		if nameEnd > len(b) {
			return
		}
		nameBytes := b[nameStart:nameEnd]
		if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
			nameBytes = nameBytes[:i]
		}
		name := string(nameBytes)
		off = nameEnd

		switch {
		case raw.Mask&unix.IN_CLOSE_WRITE != 0:
			if filepath.Base(name) == w.dbFile {
				w.emit(Event{Kind: PackageDBWritten, Name: name})
			}
		case raw.Mask&unix.IN_ACCESS != 0:
			w.emit(Event{Kind: SpawnerExecAccessed, Name: name})
		}
	}
}

func (w *Watcher) emit(e Event) {
	select {
	case w.events <- e:
	case <-w.done:
	}
}

// Close stops the reader goroutine and closes the underlying fd. It is
// safe to call once; calling it again is a no-op.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	return unix.Close(w.fd)
}
