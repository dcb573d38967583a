package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/logging"
)

// Registry discovers installed plugins: one directory per plugin under
// the plugins dir, each holding a manifest.json. A filesystem watcher
// re-scans on changes so installs show up without a restart.
type Registry struct {
	dir string
	log zerolog.Logger

	mu        sync.RWMutex
	manifests map[string]domain.Manifest
}

// NewRegistry creates a registry over dir and performs the first scan.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:       dir,
		log:       logging.Component("registry"),
		manifests: make(map[string]domain.Manifest),
	}
	if err := r.Scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Scan re-reads every manifest under the plugins dir. Manifests that
// fail to parse are logged and skipped; unknown JSON fields are
// ignored.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		entries = nil
	} else if err != nil {
		return err
	}

	found := make(map[string]domain.Manifest)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, e.Name(), "manifest.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m domain.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable manifest")
			continue
		}
		if m.ID == "" || m.Backend.Assembly == "" {
			r.log.Warn().Str("path", path).Msg("skipping manifest without id or backend.assembly")
			continue
		}
		if !filepath.IsAbs(m.Backend.Assembly) && !strings.HasPrefix(m.Backend.Assembly, BuiltinScheme) {
			m.Backend.Assembly = filepath.Join(r.dir, e.Name(), m.Backend.Assembly)
		}
		found[m.ID] = m
	}

	// Bundled plugins appear unless an installed one shadows them.
	for _, m := range builtinManifests() {
		if _, ok := found[m.ID]; !ok {
			found[m.ID] = m
		}
	}

	r.mu.Lock()
	r.manifests = found
	r.mu.Unlock()
	return nil
}

// List returns the discovered manifests sorted by id.
func (r *Registry) List() []domain.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get resolves one plugin by id.
func (r *Registry) Get(id string) (domain.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[id]
	if !ok {
		return domain.Manifest{}, dderr.Newf(dderr.KindPluginNotLoaded, "plugin %s is not installed", id)
	}
	return m, nil
}

// Watch re-scans on filesystem changes until ctx is done. Bursty
// change sets coalesce into one scan.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-w.Events:
			if !ok {
				return nil
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("plugin watcher error")
		case <-pending:
			pending = nil
			if err := r.Scan(); err != nil {
				r.log.Warn().Err(err).Msg("plugin re-scan failed")
			} else {
				r.log.Debug().Int("plugins", len(r.List())).Msg("plugin directory re-scanned")
			}
		}
	}
}
