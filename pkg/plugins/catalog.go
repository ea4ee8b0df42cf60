// Package plugins implements the Plugin Catalog: a (name, component)
// keyed registry of installable plugin modules, seeded with a fixed
// basic set at startup. Admission resolves every declared plugin
// through this catalog; an unknown pair is a bad_request.
package plugins

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobbroker/pkg/brokererr"
	"github.com/cuemby/jobbroker/pkg/log"
	"github.com/cuemby/jobbroker/pkg/storage"
	"github.com/cuemby/jobbroker/pkg/types"
)

const storeKeyPrefix = "plugin:"

func mapKey(name string, component types.PluginComponent) string {
	return name + "\x00" + string(component)
}

// Catalog is the process-wide (name, component) -> module registry.
type Catalog struct {
	mu      sync.Mutex
	store   storage.Store
	records map[string]types.PluginRecord
	logger  zerolog.Logger
}

// New builds a Catalog persisted through store.
func New(store storage.Store) *Catalog {
	return &Catalog{
		store:   store,
		records: make(map[string]types.PluginRecord),
		logger:  log.WithComponent("plugin_catalog"),
	}
}

// Rehydrate loads every persisted plugin record from store.
func (c *Catalog) Rehydrate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blobs, err := c.store.GetAll(storeKeyPrefix)
	if err != nil {
		return fmt.Errorf("rehydrate plugin catalog: %w", err)
	}
	for key, blob := range blobs {
		record, err := decodeRecord(blob)
		if err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("skipping corrupt plugin record")
			continue
		}
		c.records[mapKey(record.Name, record.Component)] = *record
	}
	return nil
}

// Seed registers the fixed basic plugin set, skipping any (name,
// component) pair already present (e.g. from Rehydrate).
func (c *Catalog) Seed(basic []types.PluginRecord) error {
	for _, record := range basic {
		c.mu.Lock()
		_, exists := c.records[mapKey(record.Name, record.Component)]
		c.mu.Unlock()
		if exists {
			continue
		}
		if err := c.Register(record); err != nil {
			return err
		}
	}
	return nil
}

// Register adds or replaces a plugin record.
func (c *Catalog) Register(record types.PluginRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob, err := encodeRecord(&record)
	if err != nil {
		return brokererr.FatalInternal(err, "encode plugin record")
	}
	if err := c.store.Put(record.Key(storeKeyPrefix), blob); err != nil {
		return brokererr.FatalInternal(err, "persist plugin record")
	}
	c.records[mapKey(record.Name, record.Component)] = record
	return nil
}

// Resolve returns the module identifier for (name, component), or a
// bad_request error if the pair is unknown to the catalog.
func (c *Catalog) Resolve(name string, component types.PluginComponent) (types.PluginRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[mapKey(name, component)]
	if !ok {
		return types.PluginRecord{}, brokererr.BadRequest("unknown plugin %q for component %q", name, component)
	}
	return record, nil
}

// List returns every registered plugin record.
func (c *Catalog) List() []types.PluginRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.PluginRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	return out
}
