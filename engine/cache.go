package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/slipway-build/slipway/layers"
	"github.com/slipway-build/slipway/internal/types"
)

// Cache is a content-addressed layer store. Each entry pairs a metadata
// record with the layer's tarball blob, both keyed by the layer identity.
// Writes go through a temp file and atomic rename, so concurrent builds of
// identical layer chains converge on identical entries without locking:
// last-writer-wins is safe because entries are content-addressed.
type Cache struct {
	baseDir string
	hits    int64
	misses  int64
	mu      sync.Mutex
}

type CacheEntry struct {
	ID           digest.Digest `json:"id"`
	Parent       digest.Digest `json:"parent,omitempty"`
	StepIndex    int           `json:"step_index"`
	CreatedBy    string        `json:"created_by,omitempty"`
	Size         int64         `json:"size"`
	Fingerprint  uint64        `json:"fingerprint,omitempty"`
	Created      time.Time     `json:"created"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int64         `json:"access_count"`
}

func NewCache(baseDir string) *Cache {
	os.MkdirAll(filepath.Join(baseDir, "entries", "sha256"), 0755)
	os.MkdirAll(filepath.Join(baseDir, "blobs", "sha256"), 0755)

	return &Cache{baseDir: baseDir}
}

func (c *Cache) entryPath(id digest.Digest) string {
	return filepath.Join(c.baseDir, "entries", id.Algorithm().String(), id.Encoded()+".json")
}

// BlobPath returns the location of the layer tarball for an identity.
func (c *Cache) BlobPath(id digest.Digest) string {
	return filepath.Join(c.baseDir, "blobs", id.Algorithm().String(), id.Encoded()+".tar.gz")
}

func (c *Cache) Get(id digest.Digest) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.entryPath(id))
	if err != nil {
		c.misses++
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.misses++
		return nil, false
	}

	if _, err := os.Stat(c.BlobPath(id)); err != nil {
		// Metadata without a blob is an orphan; drop it.
		os.Remove(c.entryPath(id))
		c.misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessed = time.Now()
	if updated, err := json.Marshal(entry); err == nil {
		os.WriteFile(c.entryPath(id), updated, 0644)
	}

	c.hits++
	return &entry, true
}

// Set stores an entry together with its layer blob. blobSrc is consumed into
// the cache; both files land via atomic rename.
func (c *Cache) Set(entry *CacheEntry, blobSrc string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Created = time.Now()
	entry.LastAccessed = entry.Created
	entry.AccessCount = 1

	if err := c.installBlob(entry.ID, blobSrc); err != nil {
		return fmt.Errorf("failed to install cache blob: %v", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %v", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.entryPath(entry.ID)), ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %v", err)
	}

	return os.Rename(tmp.Name(), c.entryPath(entry.ID))
}

func (c *Cache) installBlob(id digest.Digest, blobSrc string) error {
	dest := c.BlobPath(id)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".blob-*")
	if err != nil {
		return err
	}
	tmp.Close()

	if err := layers.CopyFile(blobSrc, tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), dest)
}

func (c *Cache) Info() (*types.CacheInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := &types.CacheInfo{
		Hits:   c.hits,
		Misses: c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		info.HitRate = float64(c.hits) / float64(total)
	}

	err := filepath.Walk(c.baseDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			info.TotalFiles++
			info.TotalSize += fi.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk cache directory: %v", err)
	}

	return info, nil
}

// Prune removes entries older than maxAge along with their blobs and returns
// the number of entries removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entriesDir := filepath.Join(c.baseDir, "entries", "sha256")
	dirEntries, err := os.ReadDir(entriesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache entries: %v", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, dirEntry := range dirEntries {
		path := filepath.Join(entriesDir, dirEntry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var entry CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			os.Remove(path)
			removed++
			continue
		}

		if entry.LastAccessed.Before(cutoff) {
			os.Remove(path)
			os.Remove(c.BlobPath(entry.ID))
			removed++
		}
	}

	return removed, nil
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range []string{"entries", "blobs"} {
		if err := os.RemoveAll(filepath.Join(c.baseDir, sub)); err != nil {
			return fmt.Errorf("failed to clear cache: %v", err)
		}
	}

	os.MkdirAll(filepath.Join(c.baseDir, "entries", "sha256"), 0755)
	os.MkdirAll(filepath.Join(c.baseDir, "blobs", "sha256"), 0755)

	c.hits = 0
	c.misses = 0
	return nil
}
