package blobwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	events := make(chan Event, 4)
	w := New(dir, 20*time.Millisecond, nil, func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ab"), []byte{1}, 0o644))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancel")
	}
}

func TestWalkDirsFindsNestedShards(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "de", "ad"), 0o755))
	dirs := walkDirs(dir)
	require.GreaterOrEqual(t, len(dirs), 3) // root + de + de/ad
}
