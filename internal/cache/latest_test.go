package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newMemRedis() *memRedis {
	return &memRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	m.values[key] = fmt.Sprint(value)
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-4f7b-4b7a-9d1e-2f3a4b5c6d7e")
	assert.Equal(t, "reading:last:6f1c2a8e-4f7b-4b7a-9d1e-2f3a4b5c6d7e:temperature", Key(id, "temperature"))
}

func TestLatest_SetOverwrites(t *testing.T) {
	rdb := newMemRedis()
	l := newLatest(rdb, 24*time.Hour)
	id := uuid.New()

	require.NoError(t, l.Set(context.Background(), id, "temperature", 23.5))
	require.NoError(t, l.Set(context.Background(), id, "temperature", 24.25))

	assert.Equal(t, map[string]string{Key(id, "temperature"): "24.25"}, rdb.values)
	assert.Equal(t, 24*time.Hour, rdb.ttls[Key(id, "temperature")])
}

func TestLatest_SetError(t *testing.T) {
	l := newLatest(&memRedis{err: errors.New("connection refused")}, time.Hour)
	err := l.Set(context.Background(), uuid.New(), "humidity", 60)
	assert.ErrorContains(t, err, "failed to update latest value")
}
