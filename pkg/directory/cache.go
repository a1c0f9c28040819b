package directory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/logger"
)

// cacheIndexEntry records one cached document's metadata alongside the
// content-addressed file it lives in, so a restart can judge freshness
// without re-reading every blob.
type cacheIndexEntry struct {
	Digest     string    `json:"digest"`
	Kind       string    `json:"kind"` // "consensus" or "microdescriptors"
	StoredAt   time.Time `json:"stored_at"`
	ValidUntil time.Time `json:"valid_until"`
}

type cacheIndex struct {
	Entries map[string]cacheIndexEntry `json:"entries"` // keyed by Kind
}

// Cache is a content-addressed disk store for directory documents: each
// document is written under its sha256 digest, and an index file (saved
// with the same atomic-rename pattern as path.GuardManager's state file)
// tracks which digest is current for each document kind and how long it
// stays usable without a refetch.
type Cache struct {
	mu        sync.Mutex
	dir       string
	indexFile string
	index     cacheIndex
	logger    *logger.Logger
}

// NewCache opens (or initializes) a content-addressed cache rooted at dir.
func NewCache(dir string, log *logger.Logger) (*Cache, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory cache dir: %w", err)
	}

	c := &Cache{
		dir:       dir,
		indexFile: filepath.Join(dir, "index.json"),
		index:     cacheIndex{Entries: make(map[string]cacheIndexEntry)},
		logger:    log.Component("directory-cache"),
	}

	if err := c.load(); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to load directory cache index", "error", err)
	}

	return c, nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.indexFile)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &c.index)
}

func (c *Cache) saveLocked() error {
	data, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal directory cache index: %w", err)
	}

	tmp := c.indexFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write directory cache index: %w", err)
	}
	return os.Rename(tmp, c.indexFile)
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *Cache) blobPath(digest string) string {
	return filepath.Join(c.dir, digest+".blob")
}

// Store writes data under its content digest and records it as the current
// document for kind, valid until validUntil.
func (c *Cache) Store(kind string, data []byte, validUntil time.Time) error {
	digest := digestOf(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(c.blobPath(digest), data, 0600); err != nil {
		return fmt.Errorf("failed to write cached %s blob: %w", kind, err)
	}

	c.index.Entries[kind] = cacheIndexEntry{
		Digest:     digest,
		Kind:       kind,
		StoredAt:   time.Now(),
		ValidUntil: validUntil,
	}
	if err := c.saveLocked(); err != nil {
		return err
	}
	c.logger.Debug("cached directory document", "kind", kind, "digest", digest[:12], "valid_until", validUntil)
	return nil
}

// Load returns the cached bytes for kind and whether they are still within
// their stated validity window. A cache miss returns ok=false, not an error.
func (c *Cache) Load(kind string) (data []byte, stillFresh bool, ok bool) {
	c.mu.Lock()
	entry, found := c.index.Entries[kind]
	c.mu.Unlock()

	if !found {
		return nil, false, false
	}

	blob, err := os.ReadFile(c.blobPath(entry.Digest))
	if err != nil {
		c.logger.Warn("cached document index entry has no backing blob", "kind", kind, "error", err)
		return nil, false, false
	}

	return blob, time.Now().Before(entry.ValidUntil), true
}

// Sweep removes cached blobs that are no longer referenced by the index
// and whose validity window closed more than grace ago, bounding disk
// growth from superseded consensuses/microdescriptor batches.
func (c *Cache) Sweep(grace time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]bool, len(c.index.Entries))
	for _, entry := range c.index.Entries {
		live[entry.Digest] = true
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read directory cache dir: %w", err)
	}

	cutoff := time.Now().Add(-grace)
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".blob" {
			continue
		}
		digest := name[:len(name)-len(".blob")]
		if live[digest] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(filepath.Join(c.dir, name)); rmErr == nil {
				c.logger.Debug("swept stale cached blob", "digest", digest[:12])
			}
		}
	}
	return nil
}
