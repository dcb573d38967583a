package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/secrets"
)

// Cache persists token records encrypted at rest. The file holds one
// JSON document sealed with AES-256-GCM; the key lives in the OS
// keychain, never next to the file.
type Cache struct {
	path   string
	cipher *secrets.Cipher

	mu      sync.Mutex
	records map[string]domain.TokenRecord
}

func cacheKey(connectionID, resource string) string {
	return connectionID + "\x00" + resource
}

// NewCache opens the cache at path. A missing file yields an empty
// cache; an unreadable or undecryptable file is discarded rather than
// blocking startup.
func NewCache(path string, cipher *secrets.Cipher) (*Cache, error) {
	c := &Cache{path: path, cipher: cipher, records: make(map[string]domain.TokenRecord)}

	sealed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}

	plain, err := cipher.Decrypt(sealed)
	if err != nil {
		// Key rotated or file corrupted. Start fresh; the user
		// re-authenticates interactively.
		return c, nil
	}

	var list []domain.TokenRecord
	if err := json.Unmarshal(plain, &list); err != nil {
		return c, nil
	}
	for _, rec := range list {
		c.records[cacheKey(rec.ConnectionID, rec.Resource)] = rec
	}
	return c, nil
}

// Get returns the cached record for the pair, if any.
func (c *Cache) Get(connectionID, resource string) (domain.TokenRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[cacheKey(connectionID, resource)]
	return rec, ok
}

// Put stores a record and rewrites the file.
func (c *Cache) Put(rec domain.TokenRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[cacheKey(rec.ConnectionID, rec.Resource)] = rec
	return c.flushLocked()
}

// MarkInvalid flags a record whose refresh material no longer works.
func (c *Cache) MarkInvalid(connectionID, resource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(connectionID, resource)
	rec, ok := c.records[key]
	if !ok {
		return nil
	}
	rec.Invalid = true
	rec.AccessToken = ""
	c.records[key] = rec
	return c.flushLocked()
}

// DeleteConnection drops every record of one connection.
func (c *Cache) DeleteConnection(connectionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rec := range c.records {
		if rec.ConnectionID == connectionID {
			delete(c.records, key)
		}
	}
	return c.flushLocked()
}

// Principal returns the identity of any valid record for the
// connection, used to decorate connection listings.
func (c *Cache) Principal(connectionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.records {
		if rec.ConnectionID == connectionID && !rec.Invalid {
			return rec.Principal, true
		}
	}
	return "", false
}

// flushLocked rewrites the whole file atomically: seal, write to a
// sibling temp file, rename over.
func (c *Cache) flushLocked() error {
	list := make([]domain.TokenRecord, 0, len(c.records))
	for _, rec := range c.records {
		list = append(list, rec)
	}

	plain, err := json.Marshal(list)
	if err != nil {
		return err
	}
	sealed, err := c.cipher.Encrypt(plain)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace token cache: %w", err)
	}
	return nil
}
