package services

import (
	"container/list"
	"log/slog"
	"os"
	"sync"
)

// DefaultAudioCacheSize bounds the number of synthesized audio files kept on
// disk when no explicit capacity is configured.
const DefaultAudioCacheSize = 32

// AudioCache is a bounded LRU map from message id to the path of its
// synthesized speech audio. When capacity is exceeded the least recently
// used entry is evicted and its file removed, so the cache cannot grow
// without bound across long-lived processes.
type AudioCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element

	logger *slog.Logger
}

type audioEntry struct {
	messageID string
	path      string
}

// NewAudioCache creates an AudioCache holding at most capacity entries.
// Non-positive capacities fall back to DefaultAudioCacheSize.
func NewAudioCache(capacity int, logger *slog.Logger) *AudioCache {
	if capacity <= 0 {
		capacity = DefaultAudioCacheSize
	}
	return &AudioCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		logger:   logger.With(slog.String("module", "audiocache")),
	}
}

// Get returns the cached audio path for messageID and marks it most
// recently used.
func (c *AudioCache) Get(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[messageID]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*audioEntry).path, true
}

// Put records the audio path for messageID, evicting (and deleting the file
// of) the least recently used entry when the cache is full. Re-putting an
// existing id replaces its path and removes the superseded file.
func (c *AudioCache) Put(messageID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[messageID]; ok {
		entry := el.Value.(*audioEntry)
		if entry.path != path {
			c.removeFile(entry.path)
			entry.path = path
		}
		c.order.MoveToFront(el)
		return
	}

	c.entries[messageID] = c.order.PushFront(&audioEntry{messageID: messageID, path: path})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*audioEntry)
		c.order.Remove(oldest)
		delete(c.entries, entry.messageID)
		c.removeFile(entry.path)
	}
}

// Len returns the number of cached entries.
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry and removes the backing files. Called on app
// teardown.
func (c *AudioCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; el = el.Next() {
		c.removeFile(el.Value.(*audioEntry).path)
	}
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

func (c *AudioCache) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to remove cached audio file",
			slog.String("path", path),
			slog.String("err", err.Error()))
	}
}
