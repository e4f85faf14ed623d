// Package cache holds the HTTP transport's caches: raw tile payloads in a
// sharded byte cache and tileset metadata in an LRU.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/pyramid/pkg/tile"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	InfoCacheSize   int
}

// Manager manages tile and tileset info caches. It is safe for concurrent
// use by transport goroutines.
type Manager struct {
	tileCache *bigcache.BigCache
	infoCache *lru.Cache[string, tile.Metadata]
}

// MaxEntrySize fits a 256x256 float32 tile, base64 encoded, with its JSON
// envelope.
const MaxEntrySize = 512 * 1024

const maxShards = 256

// ShardsFor picks a power-of-two shard count for a cache of sizeMB so that
// every shard holds at least four entries of MaxEntrySize. bigcache caps
// each shard at sizeMB/shards, and larger entries are rejected. An
// unbounded cache (sizeMB <= 0) uses the full shard count.
func ShardsFor(sizeMB int) int {
	if sizeMB <= 0 {
		return maxShards
	}
	fit := sizeMB * 1024 * 1024 / (4 * MaxEntrySize)
	shards := 1
	for shards*2 <= fit && shards < maxShards {
		shards *= 2
	}
	return shards
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.InfoCacheSize <= 0 {
		cfg.InfoCacheSize = 128
	}

	tileCacheConfig := bigcache.Config{
		Shards:             ShardsFor(cfg.TileCacheSizeMB),
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 50000,
		MaxEntrySize:       MaxEntrySize,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	infoCache, err := lru.New[string, tile.Metadata](cfg.InfoCacheSize)
	if err != nil {
		tileCache.Close()
		return nil, fmt.Errorf("failed to create info cache: %w", err)
	}

	return &Manager{
		tileCache: tileCache,
		infoCache: infoCache,
	}, nil
}

// GetTile retrieves a raw payload from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a raw payload in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// DeleteTile drops a payload. Deleting a missing key is not an error.
func (m *Manager) DeleteTile(key string) error {
	err := m.tileCache.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

// GetInfo retrieves tileset metadata from cache.
func (m *Manager) GetInfo(key string) (tile.Metadata, bool) {
	return m.infoCache.Get(key)
}

// SetInfo stores tileset metadata in cache.
func (m *Manager) SetInfo(key string, md tile.Metadata) {
	m.infoCache.Add(key, md)
}

// TileKey generates a cache key for a remote tile on a server. Server
// URLs are hashed so keys stay short.
func TileKey(server string, id tile.RemoteID) string {
	return "tile:" + serverHash(server) + ":" + string(id)
}

// InfoKey generates a cache key for a tileset's metadata on a server.
func InfoKey(server, uid string) string {
	return "info:" + serverHash(server) + ":" + uid
}

func serverHash(server string) string {
	h := sha256.Sum256([]byte(server))
	return hex.EncodeToString(h[:])[:16]
}

// Stats is a snapshot of cache occupancy and hit counts.
type Stats struct {
	TileLen    int
	TileBytes  int
	TileHits   int64
	TileMisses int64
	InfoLen    int
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	s := m.tileCache.Stats()
	return Stats{
		TileLen:    m.tileCache.Len(),
		TileBytes:  m.tileCache.Capacity(),
		TileHits:   s.Hits,
		TileMisses: s.Misses,
		InfoLen:    m.infoCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
