package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_DetectsWrite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := New(path, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers":{}}`), 0644))

	select {
	case ev := <-w.Events():
		require.Equal(t, path, ev.Path)
	case <-ctx.Done():
		t.Fatal("timeout waiting for change event")
	}
}

func TestWatcher_SurvivesAtomicRename(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := New(path, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	tmpFile := filepath.Join(tempDir, ".servers.json.tmp")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"mcpServers":{}}`), 0644))
	require.NoError(t, os.Rename(tmpFile, path))

	select {
	case ev := <-w.Events():
		require.Equal(t, path, ev.Path)
	case <-ctx.Done():
		t.Fatal("timeout waiting for change event after atomic rename")
	}
}

func TestWatcher_DebouncesBurst(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := New(path, 150*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"n":`+string(rune('0'+i))+`}`), 0644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-ctx.Done():
		t.Fatal("timeout waiting for debounced event")
	}

	select {
	case <-w.Events():
		t.Fatal("expected only one coalesced event for the burst")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w := New(path, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
