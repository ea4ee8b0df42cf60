package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_PutGet(t *testing.T) {
	s := newTestBoltStore(t)

	require.NoError(t, s.Put("submission:kj-abc", []byte(`{"app_id":"kj-abc"}`)))

	v, err := s.Get("submission:kj-abc")
	require.NoError(t, err)
	require.Equal(t, `{"app_id":"kj-abc"}`, string(v))
}

func TestBoltStore_GetMissing(t *testing.T) {
	s := newTestBoltStore(t)

	_, err := s.Get("submission:missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_Upsert(t *testing.T) {
	s := newTestBoltStore(t)

	require.NoError(t, s.Put("submission:kj-abc", []byte("v1")))
	require.NoError(t, s.Put("submission:kj-abc", []byte("v2")))

	v, err := s.Get("submission:kj-abc")
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestBoltStore_GetAllByPrefix(t *testing.T) {
	s := newTestBoltStore(t)

	require.NoError(t, s.Put("submission:kj-a", []byte("a")))
	require.NoError(t, s.Put("submission:kj-b", []byte("b")))
	require.NoError(t, s.Put("cluster:prod", []byte("c")))

	all, err := s.GetAll("submission:")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", string(all["submission:kj-a"]))
	require.Equal(t, "b", string(all["submission:kj-b"]))
}

func TestBoltStore_DeleteAllByPrefix(t *testing.T) {
	s := newTestBoltStore(t)

	require.NoError(t, s.Put("submission:kj-a", []byte("a")))
	require.NoError(t, s.Put("submission:kj-b", []byte("b")))
	require.NoError(t, s.Put("cluster:prod", []byte("c")))

	require.NoError(t, s.DeleteAll("submission:"))

	all, err := s.GetAll("submission:")
	require.NoError(t, err)
	require.Len(t, all, 0)

	v, err := s.Get("cluster:prod")
	require.NoError(t, err)
	require.Equal(t, "c", string(v))
}

func TestBoltStore_Delete(t *testing.T) {
	s := newTestBoltStore(t)

	require.NoError(t, s.Put("submission:kj-a", []byte("a")))
	require.NoError(t, s.Delete("submission:kj-a"))

	_, err := s.Get("submission:kj-a")
	require.ErrorIs(t, err, ErrNotFound)

	// deleting an absent key is a no-op
	require.NoError(t, s.Delete("submission:kj-a"))
}
