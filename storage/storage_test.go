package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/config"
)

type record struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, SetJSON(ctx, s, "k", record{Reason: "Invalid Key", Count: 2}, 0))
	var got record
	require.NoError(t, GetJSON(ctx, s, "k", &got))
	assert.Equal(t, record{Reason: "Invalid Key", Count: 2}, got)

	require.NoError(t, s.Delete(ctx, "k"))
	require.ErrorIs(t, GetJSON(ctx, s, "k", &got), ErrNotFound)
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStoreInMemory(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true, Prefix: "test:"})
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
	assert.NoError(t, s.RunGC(0.5))
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "quarantine", []byte(`{"a":1}`), 0))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	data, err := s.Get(context.Background(), "quarantine")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(config.StorageConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(config.StorageConfig{Backend: "redis"}, nil)
	assert.Error(t, err)

	_, err = Open(config.StorageConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}
