//go:build linux

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestOpenEmitsPackageDBWritten(t *testing.T) {
	dir := t.TempDir()
	dbFile := "packages.xml"
	path := filepath.Join(dir, dbFile)
	assert.NilError(t, os.WriteFile(path, []byte("initial"), 0o644))

	w, err := Open(dir, dbFile, nil)
	assert.NilError(t, err)
	defer w.Close()

	assert.NilError(t, os.WriteFile(path, []byte("updated"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, ev.Kind, PackageDBWritten)
		assert.Equal(t, ev.Name, dbFile)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inotify event")
	}
}

func TestOpenIgnoresUnrelatedFileInSameDir(t *testing.T) {
	dir := t.TempDir()
	dbFile := "packages.xml"
	other := filepath.Join(dir, "unrelated.txt")
	assert.NilError(t, os.WriteFile(filepath.Join(dir, dbFile), []byte("x"), 0o644))

	w, err := Open(dir, dbFile, nil)
	assert.NilError(t, err)
	defer w.Close()

	assert.NilError(t, os.WriteFile(other, []byte("y"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "packages.xml"), []byte("x"), 0o644))

	w, err := Open(dir, "packages.xml", nil)
	assert.NilError(t, err)

	assert.NilError(t, w.Close())
	assert.NilError(t, w.Close())
}

func TestOpenFailsCleanlyOnMissingDir(t *testing.T) {
	_, err := Open("/does/not/exist/procguard-test", "packages.xml", nil)
	assert.Check(t, err != nil)
}
