package plugin

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/metrics"
)

// eventBufferCap bounds the in-memory event log. When full, the
// oldest pending events are dropped and counted; the completion event
// of an operation always carries the drop count.
const eventBufferCap = 4096

// Context is the scoped runtime a plugin receives at Initialize. It
// owns the per-instance storage directory, the persisted config map
// and the event log the subscription stream drains.
type Context struct {
	Log         zerolog.Logger
	StoragePath string
	Clients     ClientFactory

	pluginID string

	cfgMu sync.Mutex

	evMu    sync.Mutex
	events  []domain.Event
	base    uint64 // absolute index of events[0]
	dropped uint64
}

// NewContext builds a context rooted at storagePath, creating the
// directory if needed.
func NewContext(log zerolog.Logger, pluginID, storagePath string, clients ClientFactory) (*Context, error) {
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, err
	}
	return &Context{
		Log:         log,
		StoragePath: storagePath,
		Clients:     clients,
		pluginID:    pluginID,
	}, nil
}

// EmitEvent appends to the event log without blocking. The plugin is
// the single producer; the subscription handler is the single drain.
func (c *Context) EmitEvent(evtType string, payload []byte, metadata map[string]string) {
	evt := domain.Event{
		PluginID:  c.pluginID,
		Type:      evtType,
		Payload:   payload,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	c.evMu.Lock()
	defer c.evMu.Unlock()
	if len(c.events) >= eventBufferCap {
		// Drop from the head so the newest events survive.
		c.events = c.events[1:]
		c.base++
		c.dropped++
		metrics.Global().EventsDropped.Inc()
	}
	c.events = append(c.events, evt)
}

// EventsSince returns every event with absolute index >= cursor and
// the next cursor. A cursor older than the retained window skips the
// dropped range.
func (c *Context) EventsSince(cursor uint64) ([]domain.Event, uint64) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if cursor < c.base {
		cursor = c.base
	}
	offset := cursor - c.base
	if offset >= uint64(len(c.events)) {
		return nil, c.base + uint64(len(c.events))
	}
	batch := make([]domain.Event, len(c.events)-int(offset))
	copy(batch, c.events[offset:])
	return batch, c.base + uint64(len(c.events))
}

// DroppedEvents reports how many events fell out of the buffer.
func (c *Context) DroppedEvents() uint64 {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	return c.dropped
}

func (c *Context) configPath() string {
	return filepath.Join(c.StoragePath, "config.json")
}

// GetConfig reads one key from the persisted config map.
func (c *Context) GetConfig(key string) (string, bool, error) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	m, err := c.readConfigLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// SetConfig writes one key. Read-then-write under the lock; the last
// writer wins.
func (c *Context) SetConfig(key, value string) error {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	m, err := c.readConfigLocked()
	if err != nil {
		return err
	}
	m[key] = value

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.configPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.configPath())
}

func (c *Context) readConfigLocked() (map[string]string, error) {
	data, err := os.ReadFile(c.configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}
