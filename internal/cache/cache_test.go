package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetThenGetHit(t *testing.T) {
	s := NewStore(time.Minute, 0, nil)
	ctx := context.Background()

	s.Set(ctx, "k1", &Entry{StatusCode: 200, Body: []byte("payload")})

	e, ok := s.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "payload", string(e.Body))
}

func TestStore_MissReturnsFalse(t *testing.T) {
	s := NewStore(time.Minute, 0, nil)
	_, ok := s.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestStore_ExpiredEntryEvictedOnRead(t *testing.T) {
	s := NewStore(0, 0, nil)
	ctx := context.Background()
	s.Set(ctx, "expiring", &Entry{Body: []byte("x"), TTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	_, ok := s.Get(ctx, "expiring")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_BoundedEvictsOldest(t *testing.T) {
	s := NewStore(time.Minute, 2, nil)
	ctx := context.Background()
	s.Set(ctx, "a", &Entry{Body: []byte("1")})
	s.Set(ctx, "b", &Entry{Body: []byte("2")})
	s.Set(ctx, "c", &Entry{Body: []byte("3")})

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestStore_Purge(t *testing.T) {
	s := NewStore(time.Minute, 0, nil)
	ctx := context.Background()
	s.Set(ctx, "a", &Entry{Body: []byte("1")})
	s.Purge()
	assert.Equal(t, 0, s.Len())
}

type fakeRemote struct {
	data map[string][]byte
}

func (f *fakeRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func TestStore_FallsBackToRemoteOnLocalMiss(t *testing.T) {
	remote := &fakeRemote{data: map[string][]byte{"remote-key": []byte("from redis")}}
	s := NewStore(time.Minute, 0, remote)

	e, ok := s.Get(context.Background(), "remote-key")
	require.True(t, ok)
	assert.Equal(t, "from redis", string(e.Body))
}

func TestStore_SetPopulatesRemoteTier(t *testing.T) {
	remote := &fakeRemote{data: make(map[string][]byte)}
	s := NewStore(time.Minute, 0, remote)

	s.Set(context.Background(), "k", &Entry{Body: []byte("v")})
	assert.Equal(t, []byte("v"), remote.data["k"])
}

func TestCacheable(t *testing.T) {
	assert.True(t, Cacheable("GET", 200, "", false))
	assert.False(t, Cacheable("POST", 200, "", false))
	assert.False(t, Cacheable("GET", 404, "", false))
	assert.False(t, Cacheable("GET", 200, "no-store", false))
	assert.False(t, Cacheable("GET", 200, "", true))
	assert.True(t, Cacheable("GET", 200, "max-age=60", false))
}
