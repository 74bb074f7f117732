// SPDX-License-Identifier: MIT

package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	if age > 0 {
		old := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, old, old))
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Root: "", Age: time.Minute, Interval: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{Root: "/tmp", Age: 0, Interval: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{Root: "/tmp", Age: time.Minute, Interval: -time.Second})
	assert.Error(t, err)
	_, err = New(Config{Root: "/tmp", Age: time.Minute, Interval: time.Minute})
	assert.NoError(t, err)
}

func TestSweepRemovesOnlyExpiredSegments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "track-a", "seg_000.ts"), time.Hour)
	writeFile(t, filepath.Join(root, "track-a", "seg_001.ts"), 0)
	writeFile(t, filepath.Join(root, "track-a", "playlist.m3u8"), time.Hour)
	writeFile(t, filepath.Join(root, "track-a", "segment.key"), time.Hour)
	writeFile(t, filepath.Join(root, "track-b", "seg_000.ts"), time.Hour)

	r, err := New(Config{Root: root, Age: DefaultAge, Interval: DefaultInterval})
	require.NoError(t, err)

	stats := r.Sweep(context.Background())
	assert.Equal(t, 2, stats.SegmentsRemoved)
	assert.Equal(t, 0, stats.Errors)

	assert.NoFileExists(t, filepath.Join(root, "track-a", "seg_000.ts"))
	assert.FileExists(t, filepath.Join(root, "track-a", "seg_001.ts"), "fresh segment survives")
	assert.FileExists(t, filepath.Join(root, "track-a", "playlist.m3u8"), "manifests are never removed")
	assert.FileExists(t, filepath.Join(root, "track-a", "segment.key"), "key files are never removed")
}

func TestSweepRemovesEmptiedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "track-a", "seg_000.ts"), time.Hour)
	writeFile(t, filepath.Join(root, "track-b", "playlist.m3u8"), time.Hour)

	r, err := New(Config{Root: root, Age: DefaultAge, Interval: DefaultInterval})
	require.NoError(t, err)

	stats := r.Sweep(context.Background())
	assert.Equal(t, 1, stats.SegmentsRemoved)
	assert.Equal(t, 1, stats.DirsRemoved)

	assert.NoDirExists(t, filepath.Join(root, "track-a"))
	assert.DirExists(t, filepath.Join(root, "track-b"), "non-empty dirs survive")
	assert.DirExists(t, root, "root itself is never removed")
}

func TestSweepMissingRoot(t *testing.T) {
	r, err := New(Config{
		Root:     filepath.Join(t.TempDir(), "gone"),
		Age:      DefaultAge,
		Interval: DefaultInterval,
	})
	require.NoError(t, err)

	stats := r.Sweep(context.Background())
	assert.Equal(t, 0, stats.SegmentsRemoved)
	assert.Equal(t, 0, stats.Errors, "a vanished root is not an error")
}

func TestRunStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "track-a", "seg_000.ts"), time.Hour)

	r, err := New(Config{Root: root, Age: DefaultAge, Interval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on cancellation")
	}

	assert.NoFileExists(t, filepath.Join(root, "track-a", "seg_000.ts"), "initial sweep ran before cancel")
}
