package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/jobbroker/pkg/cleanup"
	"github.com/cuemby/jobbroker/pkg/types"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
func (m *memStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}
func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
func (m *memStore) DeleteAll(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}
func (m *memStore) GetAll(prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}
func (m *memStore) Close() error { return nil }

type fakeExecutor struct {
	appID     string
	deleted   *[]string
	mu        *sync.Mutex
	resumed   *[]string
	synced    *[]string
}

func (f *fakeExecutor) Synchronize(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.synced = append(*f.synced, f.appID)
}

func (f *fakeExecutor) ResumeWaitForFinish(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.resumed = append(*f.resumed, f.appID)
}

func (f *fakeExecutor) DeleteJobResources(appID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.deleted = append(*f.deleted, appID)
}

type fakeBinder struct {
	mu      sync.Mutex
	deleted []string
	resumed []string
	synced  []string
}

func (b *fakeBinder) Bind(sub *types.Submission) Executor {
	return &fakeExecutor{appID: sub.AppID, deleted: &b.deleted, resumed: &b.resumed, synced: &b.synced, mu: &b.mu}
}

func TestPutGet_RoundTrips(t *testing.T) {
	r := New(newMemStore())
	sub := &types.Submission{AppID: "kj-1", Status: types.StatusOngoing}
	require.NoError(t, r.Put(sub))

	got, err := r.Get("kj-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusOngoing, got.Status)
}

func TestGet_UnknownIsNotFound(t *testing.T) {
	r := New(newMemStore())
	_, err := r.Get("ghost")
	require.Error(t, err)
}

func TestDeleteAllTerminal_OnlyRemovesTerminal(t *testing.T) {
	r := New(newMemStore())
	require.NoError(t, r.Put(&types.Submission{AppID: "a", Status: types.StatusCompleted}))
	require.NoError(t, r.Put(&types.Submission{AppID: "b", Status: types.StatusOngoing}))

	require.NoError(t, r.DeleteAllTerminal())

	_, err := r.Get("a")
	require.Error(t, err)
	_, err = r.Get("b")
	require.NoError(t, err)
}

func TestRehydrate_ImmediateTeardownWhenLifetimeElapsed(t *testing.T) {
	store := newMemStore()
	r := New(store)
	require.NoError(t, r.Put(&types.Submission{
		AppID:                "kj-done",
		Status:               types.StatusCompleted,
		FinishTime:           time.Now().Add(-time.Hour),
		JobResourcesLifetime: 0,
		DeleteAuthorized:     true,
		JobCompleted:         true,
	}))

	binder := &fakeBinder{}
	sched := cleanup.New(nil)

	require.NoError(t, r.Rehydrate(context.Background(), binder, sched))
	require.Contains(t, binder.deleted, "kj-done")
}

func TestRehydrate_ResumesInFlightSubmissions(t *testing.T) {
	store := newMemStore()
	r := New(store)
	require.NoError(t, r.Put(&types.Submission{
		AppID:  "kj-ongoing",
		Status: types.StatusOngoing,
	}))

	binder := &fakeBinder{}
	sched := cleanup.New(nil)

	require.NoError(t, r.Rehydrate(context.Background(), binder, sched))
	require.Contains(t, binder.resumed, "kj-ongoing")
	require.Contains(t, binder.synced, "kj-ongoing")
}
