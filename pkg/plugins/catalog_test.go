package plugins

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/jobbroker/pkg/types"
)

type memStore struct{ data map[string][]byte }

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Put(key string, value []byte) error { m.data[key] = value; return nil }
func (m *memStore) Get(key string) ([]byte, error)      { return m.data[key], nil }
func (m *memStore) Delete(key string) error              { delete(m.data, key); return nil }
func (m *memStore) DeleteAll(prefix string) error {
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}
func (m *memStore) GetAll(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}
func (m *memStore) Close() error { return nil }

func TestSeed_SkipsAlreadyRegistered(t *testing.T) {
	c := New(newMemStore())
	basic := []types.PluginRecord{
		{Name: "kubejobs", Component: types.ComponentManager, Module: "kubejobs"},
	}
	require.NoError(t, c.Seed(basic))
	require.NoError(t, c.Seed(basic))
	require.Len(t, c.List(), 1)
}

func TestResolve_UnknownPairIsBadRequest(t *testing.T) {
	c := New(newMemStore())
	_, err := c.Resolve("ghost", types.ComponentMonitor)
	require.Error(t, err)
}

func TestResolve_KnownPair(t *testing.T) {
	c := New(newMemStore())
	require.NoError(t, c.Register(types.PluginRecord{
		Name: "zabbix", Component: types.ComponentMonitor, Module: "zabbix_monitor",
	}))

	record, err := c.Resolve("zabbix", types.ComponentMonitor)
	require.NoError(t, err)
	require.Equal(t, "zabbix_monitor", record.Module)
}

func TestRehydrate_RestoresRecords(t *testing.T) {
	store := newMemStore()
	c1 := New(store)
	require.NoError(t, c1.Register(types.PluginRecord{
		Name: "kubejobs", Component: types.ComponentManager, Module: "kubejobs",
	}))

	c2 := New(store)
	require.NoError(t, c2.Rehydrate())
	_, err := c2.Resolve("kubejobs", types.ComponentManager)
	require.NoError(t, err)
}
