// Package persist implements the control plane's durable JSON persistence:
// a write-behind, dirty-flag-throttled whole-file replace for each logical
// collection (agents, command results, IOC matches, revoked certificates,
// enrollment tokens), with rename-aside corruption recovery on load. It is
// deliberately not backed by an embedded key-value store -- at the fleet
// sizes this control plane targets, a JSON file rewritten on a throttle is
// simpler to reason about and to recover by hand than a WAL-backed store,
// and a KV swap-in remains a clean future extension since every caller goes
// through this package's interface rather than touching files directly.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Will-Luck/edr-control-plane/internal/clock"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
)

// Collection is a single named, whole-file-persisted JSON map of string keys
// to arbitrary values. It is safe for concurrent use.
type Collection struct {
	name string
	path string
	log  *logging.Logger
	clk  clock.Clock

	mu           sync.RWMutex
	data         map[string]json.RawMessage
	dirty        bool
	lastSaveTime time.Time
	saveInterval time.Duration
}

// OpenCollection loads (or creates) the collection backed by path. A
// malformed file is renamed aside with a timestamp suffix and replaced by an
// empty collection, per the PersistentStore corruption-recovery contract.
func OpenCollection(dir, name string, clk clock.Clock, log *logging.Logger, saveInterval time.Duration) (*Collection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create data dir %s: %w", dir, err)
	}
	c := &Collection{
		name:         name,
		path:         filepath.Join(dir, name+".json"),
		log:          log.With("component", "persist", "collection", name),
		clk:          clk,
		data:         make(map[string]json.RawMessage),
		saveInterval: saveInterval,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection) load() error {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist: read %s: %w", c.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		metrics.PersistCorruptionsTotal.WithLabelValues(c.name).Inc()
		corrupted := fmt.Sprintf("%s.corrupted.%d", c.path, c.clk.Now().Unix())
		c.log.Error("corrupted persisted file, recovering with empty collection",
			"path", c.path, "moved_to", corrupted, "error", err)
		if renameErr := os.Rename(c.path, corrupted); renameErr != nil {
			c.log.Error("failed to rename corrupted file aside", "error", renameErr)
		}
		c.data = make(map[string]json.RawMessage)
		return nil
	}
	c.data = m
	return nil
}

// Get retrieves and unmarshals the value stored under key into out. Reports
// whether the key was present.
func (c *Collection) Get(key string, out interface{}) (bool, error) {
	c.mu.RLock()
	raw, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("persist: unmarshal %s[%s]: %w", c.name, key, err)
	}
	return true, nil
}

// All returns every raw value in the collection, keyed by id. The caller
// unmarshals each entry into its concrete type.
func (c *Collection) All() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Put upserts value under key and marks the collection dirty. A throttled
// save is attempted afterward, so at most one disk write happens per
// saveInterval regardless of write rate.
func (c *Collection) Put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal %s[%s]: %w", c.name, key, err)
	}
	c.mu.Lock()
	c.data[key] = raw
	c.dirty = true
	c.mu.Unlock()
	return c.maybeSave(false)
}

// Delete removes key from the collection and marks it dirty.
func (c *Collection) Delete(key string) error {
	c.mu.Lock()
	if _, ok := c.data[key]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.data, key)
	c.dirty = true
	c.mu.Unlock()
	return c.maybeSave(false)
}

// ForceSave flushes the collection to disk immediately regardless of the
// throttle window or dirty flag.
func (c *Collection) ForceSave() error {
	return c.maybeSave(true)
}

// maybeSave writes the collection to disk if forced, or if it is dirty and
// the throttle window has elapsed. The mutex is held across the file I/O:
// releasing it mid-save would let a concurrent Put mutate the map after the
// snapshot but before dirty is cleared, silently losing that write until the
// next unrelated mutation. Holding the lock this long is acceptable because
// writes are throttled to at most one per saveInterval.
func (c *Collection) maybeSave(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && (!c.dirty || c.clk.Since(c.lastSaveTime) < c.saveInterval) {
		return nil
	}

	start := c.clk.Now()
	if err := atomicWriteJSON(c.path, c.data); err != nil {
		c.log.Error("failed to persist collection", "error", err)
		return fmt.Errorf("persist: save %s: %w", c.name, err)
	}
	metrics.PersistSaveDuration.WithLabelValues(c.name).Observe(c.clk.Since(start).Seconds())

	c.dirty = false
	c.lastSaveTime = c.clk.Now()
	return nil
}

// atomicWriteJSON serializes v, writes it to a temp file beside path,
// fsyncs, and renames it over path -- readers never observe a partial file.
func atomicWriteJSON(path string, v interface{}) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
