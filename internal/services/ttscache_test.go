package services_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aquachat-app/aqua-web-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func audioFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("riff"), 0644))
	return path
}

func TestAudioCachePutGet(t *testing.T) {
	c := services.NewAudioCache(2, discardLogger())
	dir := t.TempDir()

	a := audioFile(t, dir, "a.wav")
	c.Put("msg-a", a)

	got, ok := c.Get("msg-a")
	require.True(t, ok)
	assert.Equal(t, a, got)

	_, ok = c.Get("msg-b")
	assert.False(t, ok)
}

func TestAudioCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := services.NewAudioCache(2, discardLogger())
	dir := t.TempDir()

	a := audioFile(t, dir, "a.wav")
	b := audioFile(t, dir, "b.wav")
	d := audioFile(t, dir, "c.wav")

	c.Put("msg-a", a)
	c.Put("msg-b", b)

	// Touch a so b becomes the eviction candidate.
	_, ok := c.Get("msg-a")
	require.True(t, ok)

	c.Put("msg-c", d)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("msg-b")
	assert.False(t, ok)
	assert.NoFileExists(t, b)
	assert.FileExists(t, a)
	assert.FileExists(t, d)
}

func TestAudioCacheReplace(t *testing.T) {
	c := services.NewAudioCache(2, discardLogger())
	dir := t.TempDir()

	old := audioFile(t, dir, "old.wav")
	repl := audioFile(t, dir, "new.wav")

	c.Put("msg-a", old)
	c.Put("msg-a", repl)

	assert.Equal(t, 1, c.Len())
	got, ok := c.Get("msg-a")
	require.True(t, ok)
	assert.Equal(t, repl, got)
	assert.NoFileExists(t, old)
}

func TestAudioCachePurge(t *testing.T) {
	c := services.NewAudioCache(4, discardLogger())
	dir := t.TempDir()

	a := audioFile(t, dir, "a.wav")
	b := audioFile(t, dir, "b.wav")
	c.Put("msg-a", a)
	c.Put("msg-b", b)

	c.Purge()

	assert.Equal(t, 0, c.Len())
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)

	_, ok := c.Get("msg-a")
	assert.False(t, ok)
}

func TestAudioCacheDefaultCapacity(t *testing.T) {
	c := services.NewAudioCache(0, discardLogger())
	for i := 0; i < services.DefaultAudioCacheSize+5; i++ {
		c.Put(string(rune('a'+i)), "")
	}
	assert.Equal(t, services.DefaultAudioCacheSize, c.Len())
}
