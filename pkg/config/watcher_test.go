package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deckhand.yaml", "cluster: {id: one, provider: aws}\n")

	w := NewWatcher(NewLoader(zerolog.Nop()), path, zerolog.Nop())
	w.SetDelay(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan string, 4)
	require.NoError(t, w.Start(ctx, func(_ context.Context, desc *ParsedDescriptor) error {
		reloaded <- desc.Descriptor.Cluster.ID
		return nil
	}))
	defer w.Stop()

	// An invalid write is skipped, the next valid one is delivered.
	require.NoError(t, os.WriteFile(path, []byte("cluster: {id: Bad_ID, provider: aws}\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("cluster: {id: two, provider: aws}\n"), 0o644))

	select {
	case id := <-reloaded:
		assert.Equal(t, "two", id)
	case <-time.After(5 * time.Second):
		t.Fatal("descriptor was not reloaded")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deckhand.yaml", "cluster: {id: one, provider: aws}\n")

	w := NewWatcher(NewLoader(zerolog.Nop()), path, zerolog.Nop())
	assert.True(t, w.relevant(path, false))
	assert.False(t, w.relevant(strings.TrimSuffix(path, ".yaml")+".bak", false))

	dw := NewWatcher(NewLoader(zerolog.Nop()), dir, zerolog.Nop())
	assert.True(t, dw.relevant("cluster.cue", true))
	assert.False(t, dw.relevant("notes.txt", true))
}

func TestWatcher_StartMissingPath(t *testing.T) {
	w := NewWatcher(NewLoader(zerolog.Nop()), "/nonexistent/deckhand.yaml", zerolog.Nop())
	assert.Error(t, w.Start(context.Background(), func(context.Context, *ParsedDescriptor) error { return nil }))
	assert.NoError(t, w.Stop())
}
