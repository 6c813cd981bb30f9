package cache

import (
	"crypto/sha256"
	"fmt"
	"time"

	"k8s.io/utils/lru"
)

// CachedAudio represents synthesized speech kept for reuse
type CachedAudio struct {
	Audio     []byte
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the spoken text and voice settings
func GenerateCacheKey(text string, voice ...string) string {
	h := sha256.New()
	for _, v := range voice {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// AudioCache is a size-bounded, concurrency-safe store of synthesized audio.
// The least recently used entry is evicted once maxEntries is reached.
type AudioCache struct {
	entries *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

// NewAudioCache creates a cache holding at most maxEntries items for ttl (0 = forever)
func NewAudioCache(maxEntries int, ttl time.Duration) *AudioCache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &AudioCache{
		entries: lru.New(maxEntries),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the audio stored under key
func (c *AudioCache) Get(key string) ([]byte, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(CachedAudio)
	if c.ttl > 0 && c.now().Sub(entry.Timestamp) > c.ttl {
		c.entries.Remove(key)
		return nil, false
	}
	return entry.Audio, true
}

// Put stores audio under key
func (c *AudioCache) Put(key string, audio []byte) {
	c.entries.Add(key, CachedAudio{Audio: audio, Timestamp: c.now()})
}

// Len returns the number of cached entries
func (c *AudioCache) Len() int {
	return c.entries.Len()
}
