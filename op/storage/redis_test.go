package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	require := require.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewRedis(client, "test")
	require.NoError(err)
	return s, mr
}

func TestRedis_PutGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	s, _ := testRedis(t)

	require.NoError(s.Put(ctx, KindGrant, "g1", []byte(`{"id":"g1"}`), time.Minute))
	got, err := s.Get(ctx, KindGrant, "g1")
	require.NoError(err)
	assert.Equal([]byte(`{"id":"g1"}`), got)

	require.NoError(s.Delete(ctx, KindGrant, "g1"))
	_, err = s.Get(ctx, KindGrant, "g1")
	assert.ErrorIs(err, ErrNotFound)
}

func TestRedis_TTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	s, mr := testRedis(t)

	require.NoError(s.Put(ctx, KindCode, "c1", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)
	_, err := s.Get(ctx, KindCode, "c1")
	assert.ErrorIs(err, ErrNotFound)
}

func TestRedis_TakeIsOneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	s, _ := testRedis(t)

	require.NoError(s.Put(ctx, KindCode, "c1", []byte("v"), time.Minute))

	got, err := s.Take(ctx, KindCode, "c1")
	require.NoError(err)
	assert.Equal([]byte("v"), got)

	_, err = s.Take(ctx, KindCode, "c1")
	assert.ErrorIs(err, ErrNotFound)
	_, err = s.Get(ctx, KindCode, "c1")
	assert.ErrorIs(err, ErrNotFound)
}

func TestRedis_NewRedis(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	_, err := NewRedis(nil, "x")
	assert.Error(err)
}
