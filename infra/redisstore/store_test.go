package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/factory"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/store/storetest"
)

func newMiniStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, Config{})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newMiniStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniStore(t)
	require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("VEH_001", model.Location{})))
	require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: "ORD_1", State: model.OrderNew}))
	require.NoError(t, s.SaveSnapshot(ctx))

	assert.True(t, mr.Exists("logistics:vehicles"))
	assert.True(t, mr.Exists("logistics:orders"))
	assert.True(t, mr.Exists("logistics:system_state"))
	keys, _ := mr.HKeys("logistics:vehicles")
	assert.Contains(t, keys, "VEH_001")
}

func TestRedisStore_RegisteredBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.New(factory.ModuleConfig{Type: "redis", Conf: map[string]any{"addr": mr.Addr(), "prefix": "test"}})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.UpsertVehicle(context.Background(), model.NewVehicle("v1", model.Location{})))
	assert.True(t, mr.Exists("test:vehicles"))
}

func TestNew_UnreachableServer(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
