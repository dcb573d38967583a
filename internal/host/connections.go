package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
)

// Connections is the persisted registry of environments the user has
// added. Auth state never lands in the file; it is derived from the
// token cache when listing.
type Connections struct {
	path string

	mu    sync.Mutex
	conns map[string]domain.Connection
}

// LoadConnections reads the registry from <dataDir>/connections.yaml.
func LoadConnections(dataDir string) (*Connections, error) {
	c := &Connections{
		path:  filepath.Join(dataDir, "connections.yaml"),
		conns: make(map[string]domain.Connection),
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read connections: %w", err)
	}
	var list []domain.Connection
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	for _, conn := range list {
		c.conns[conn.ID] = conn
	}
	return c, nil
}

func (c *Connections) flushLocked() error {
	list := c.sortedLocked()
	data, err := yaml.Marshal(list)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *Connections) sortedLocked() []domain.Connection {
	list := make([]domain.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		list = append(list, conn)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Add registers or updates a connection.
func (c *Connections) Add(conn domain.Connection) error {
	if conn.ID == "" || conn.URL == "" {
		return dderr.New(dderr.KindInvalidRequest, "connection needs an id and a url")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn.ID] = conn
	return c.flushLocked()
}

// Remove drops a connection.
func (c *Connections) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, id)
	return c.flushLocked()
}

// Get resolves one connection.
func (c *Connections) Get(id string) (domain.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	return conn, ok
}

// List returns connections sorted by name.
func (c *Connections) List() []domain.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

// SetActive marks one connection active and the rest inactive.
func (c *Connections) SetActive(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[id]; !ok {
		return dderr.Newf(dderr.KindEnvironmentNotRegistered, "unknown connection %s", id)
	}
	for key, conn := range c.conns {
		conn.Active = key == id
		c.conns[key] = conn
	}
	return c.flushLocked()
}

// Active returns the active connection, if one is marked.
func (c *Connections) Active() (domain.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		if conn.Active {
			return conn, true
		}
	}
	return domain.Connection{}, false
}
