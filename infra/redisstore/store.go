// Package redisstore implements the entity store on Redis hashes.
//
// Layout, with the default "logistics" prefix:
//
//	logistics:orders        hash  order id   -> order JSON
//	logistics:vehicles      hash  vehicle id -> vehicle JSON
//	logistics:routes        hash  vehicle id -> latest route JSON
//	logistics:agents        hash  worker     -> worker status JSON
//	logistics:system_state  string           -> serialized snapshot
//
// Multi-entity updates run inside WATCH/MULTI so a concurrent writer never
// observes half of an order/vehicle pairing.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/fleetdispatch/core/factory"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Config holds the connection settings.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	// MaxTxRetries bounds optimistic transaction retries on contention.
	MaxTxRetries int `json:"max_tx_retries"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Prefix == "" {
		c.Prefix = "logistics"
	}
	if c.MaxTxRetries <= 0 {
		c.MaxTxRetries = 10
	}
}

func init() {
	_ = store.RegisterBackend("redis", func(conf map[string]any) (store.Store, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return New(context.Background(), c)
	})
}

// Store is a Redis backed store.Store.
type Store struct {
	client  *redis.Client
	retries int

	ordersKey   string
	vehiclesKey string
	routesKey   string
	agentsKey   string
	stateKey    string
	now         func() time.Time
}

// New connects to Redis and checks the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.SetDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	cfg.SetDefaults()
	p := cfg.Prefix
	return &Store{
		client:      client,
		retries:     cfg.MaxTxRetries,
		ordersKey:   p + ":orders",
		vehiclesKey: p + ":vehicles",
		routesKey:   p + ":routes",
		agentsKey:   p + ":agents",
		stateKey:    p + ":system_state",
		now:         time.Now,
	}
}

// Snapshot reads the four collections in one MULTI/EXEC block so that a
// concurrent pairing transaction is seen entirely or not at all.
func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	snap := store.NewSnapshot()
	var orders, vehicles, routes, agents *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		orders = pipe.HGetAll(ctx, s.ordersKey)
		vehicles = pipe.HGetAll(ctx, s.vehiclesKey)
		routes = pipe.HGetAll(ctx, s.routesKey)
		agents = pipe.HGetAll(ctx, s.agentsKey)
		return nil
	})
	if err != nil {
		return snap, fmt.Errorf("snapshot: %w", err)
	}
	if err := decodeHash(s.ordersKey, orders.Val(), snap.Orders); err != nil {
		return snap, err
	}
	if err := decodeHash(s.vehiclesKey, vehicles.Val(), snap.Vehicles); err != nil {
		return snap, err
	}
	if err := decodeHash(s.routesKey, routes.Val(), snap.Routes); err != nil {
		return snap, err
	}
	workers := map[string]model.WorkerStatus{}
	if err := decodeHash(s.agentsKey, agents.Val(), workers); err != nil {
		return snap, err
	}
	for _, w := range workers {
		snap.Workers[w.Name] = w
	}
	snap.TakenAt = s.now()
	return snap, nil
}

func loadHash[T any](ctx context.Context, c redis.Cmdable, key string, out map[string]T) error {
	raw, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("hgetall %s: %w", key, err)
	}
	return decodeHash(key, raw, out)
}

func decodeHash[T any](key string, raw map[string]string, out map[string]T) error {
	for id, data := range raw {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", key, id, err)
		}
		out[id] = v
	}
	return nil
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key, field string) (T, error) {
	var v T
	data, err := c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return v, fmt.Errorf("%s %s: %w", key, field, store.ErrNotFound)
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", key, field, err)
	}
	return v, nil
}

func setJSON(ctx context.Context, c redis.Cmdable, key, field string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.HSet(ctx, key, field, b).Err()
}

func (s *Store) Order(ctx context.Context, id string) (model.Order, error) {
	return getJSON[model.Order](ctx, s.client, s.ordersKey, id)
}

func (s *Store) Vehicle(ctx context.Context, id string) (model.Vehicle, error) {
	return getJSON[model.Vehicle](ctx, s.client, s.vehiclesKey, id)
}

func (s *Store) UpsertOrder(ctx context.Context, o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	return setJSON(ctx, s.client, s.ordersKey, o.ID, o)
}

func (s *Store) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	return setJSON(ctx, s.client, s.vehiclesKey, v.ID, v)
}

func (s *Store) UpsertRoute(ctx context.Context, r model.Route) error {
	if r.VehicleID == "" {
		return fmt.Errorf("route vehicle id is required")
	}
	return setJSON(ctx, s.client, s.routesKey, r.VehicleID, r)
}

func (s *Store) SetWorkerStatus(ctx context.Context, st model.WorkerStatus) error {
	return setJSON(ctx, s.client, s.agentsKey, string(st.Name), st)
}

func (s *Store) UpdateOrderFields(ctx context.Context, id string, p store.OrderPatch) error {
	return s.txn(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		o, err := getJSON[model.Order](ctx, tx, s.ordersKey, id)
		if err != nil {
			return nil, err
		}
		store.ApplyOrderPatch(&o, p, s.now())
		return func(pipe redis.Pipeliner) error {
			return setJSON(ctx, pipe, s.ordersKey, o.ID, o)
		}, nil
	})
}

func (s *Store) UpdateVehicleFields(ctx context.Context, id string, p store.VehiclePatch) error {
	return s.txn(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		v, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, id)
		if err != nil {
			return nil, err
		}
		store.ApplyVehiclePatch(&v, p, s.now())
		return func(pipe redis.Pipeliner) error {
			return setJSON(ctx, pipe, s.vehiclesKey, v.ID, v)
		}, nil
	})
}

func (s *Store) AvailableVehicles(ctx context.Context) ([]model.Vehicle, error) {
	all := map[string]model.Vehicle{}
	if err := loadHash(ctx, s.client, s.vehiclesKey, all); err != nil {
		return nil, err
	}
	return store.Available(store.SortedVehicles(all)), nil
}

func (s *Store) Assign(ctx context.Context, orderID, vehicleID string) error {
	return s.txn(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		o, err := getJSON[model.Order](ctx, tx, s.ordersKey, orderID)
		if err != nil {
			return nil, err
		}
		v, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, vehicleID)
		if err != nil {
			return nil, err
		}
		var prev *model.Vehicle
		if o.VehicleID != "" && o.VehicleID != vehicleID {
			pv, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, o.VehicleID)
			if err == nil {
				prev = &pv
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		if err := store.Pair(&o, &v, prev, s.now()); err != nil {
			return nil, err
		}
		return func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, s.ordersKey, o.ID, o); err != nil {
				return err
			}
			if prev != nil {
				if err := setJSON(ctx, pipe, s.vehiclesKey, prev.ID, prev); err != nil {
					return err
				}
			}
			return setJSON(ctx, pipe, s.vehiclesKey, v.ID, v)
		}, nil
	})
}

func (s *Store) Unassign(ctx context.Context, orderID string) error {
	return s.txn(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		o, err := getJSON[model.Order](ctx, tx, s.ordersKey, orderID)
		if err != nil {
			return nil, err
		}
		var v *model.Vehicle
		if o.VehicleID != "" {
			cur, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, o.VehicleID)
			if err == nil {
				v = &cur
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		store.Unpair(&o, v, s.now())
		return func(pipe redis.Pipeliner) error {
			if v != nil {
				if err := setJSON(ctx, pipe, s.vehiclesKey, v.ID, v); err != nil {
					return err
				}
			}
			return setJSON(ctx, pipe, s.ordersKey, o.ID, o)
		}, nil
	})
}

func (s *Store) TransferOrders(ctx context.Context, from, to string) ([]string, error) {
	var moved []string
	err := s.txn(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		src, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, from)
		if err != nil {
			return nil, err
		}
		dst, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, to)
		if err != nil {
			return nil, err
		}
		orders := make(map[string]*model.Order, len(src.AssignedOrders))
		for _, id := range src.AssignedOrders {
			o, err := getJSON[model.Order](ctx, tx, s.ordersKey, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			orders[id] = &o
		}
		moved = store.Transfer(&src, &dst, orders, s.now())
		return func(pipe redis.Pipeliner) error {
			for _, o := range orders {
				if err := setJSON(ctx, pipe, s.ordersKey, o.ID, o); err != nil {
					return err
				}
			}
			if err := setJSON(ctx, pipe, s.vehiclesKey, src.ID, src); err != nil {
				return err
			}
			return setJSON(ctx, pipe, s.vehiclesKey, dst.ID, dst)
		}, nil
	})
	return moved, err
}
// SetOrderStatus applies a reported order state and, on delivery, detaches
// the order from its vehicle in the same transaction.
func (s *Store) SetOrderStatus(ctx context.Context, orderID string, to model.OrderState) (model.Order, error) {
	var out model.Order
	err := s.txn(ctx, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		o, err := getJSON[model.Order](ctx, tx, s.ordersKey, orderID)
		if err != nil {
			return nil, err
		}
		var v *model.Vehicle
		if o.VehicleID != "" {
			cur, err := getJSON[model.Vehicle](ctx, tx, s.vehiclesKey, o.VehicleID)
			if err == nil {
				v = &cur
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		if err := store.Progress(&o, v, to, s.now()); err != nil {
			return nil, err
		}
		out = o
		return func(pipe redis.Pipeliner) error {
			if v != nil {
				if err := setJSON(ctx, pipe, s.vehiclesKey, v.ID, v); err != nil {
					return err
				}
			}
			return setJSON(ctx, pipe, s.ordersKey, o.ID, o)
		}, nil
	})
	return out, err
}

// txn runs fn under WATCH on the order and vehicle hashes and retries when
// another client modified them before EXEC.
func (s *Store) txn(ctx context.Context, fn func(tx *redis.Tx) (func(redis.Pipeliner) error, error)) error {
	body := func(tx *redis.Tx) error {
		write, err := fn(tx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error { return write(pipe) })
		return err
	}
	for i := 0; i < s.retries; i++ {
		err := s.client.Watch(ctx, body, s.ordersKey, s.vehiclesKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction: too much contention after %d attempts", s.retries)
}

func (s *Store) SaveSnapshot(ctx context.Context) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.stateKey, b, 0).Err()
}

func (s *Store) LoadSnapshot(ctx context.Context) (store.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.stateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Snapshot{}, false, nil
	}
	if err != nil {
		return store.Snapshot{}, false, err
	}
	snap := store.NewSnapshot()
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Restore replaces the hashes with the content of snap in one MULTI block.
func (s *Store) Restore(ctx context.Context, snap store.Snapshot) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.ordersKey, s.vehiclesKey, s.routesKey, s.agentsKey)
		for id, o := range snap.Orders {
			if err := setJSON(ctx, pipe, s.ordersKey, id, o); err != nil {
				return err
			}
		}
		for id, v := range snap.Vehicles {
			if err := setJSON(ctx, pipe, s.vehiclesKey, id, v); err != nil {
				return err
			}
		}
		for id, r := range snap.Routes {
			if err := setJSON(ctx, pipe, s.routesKey, id, r); err != nil {
				return err
			}
		}
		for k, w := range snap.Workers {
			if err := setJSON(ctx, pipe, s.agentsKey, string(k), w); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (s *Store) ClearAll(ctx context.Context) error {
	return s.client.Del(ctx, s.ordersKey, s.vehiclesKey, s.routesKey, s.agentsKey, s.stateKey).Err()
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	pipe := s.client.Pipeline()
	o := pipe.HLen(ctx, s.ordersKey)
	v := pipe.HLen(ctx, s.vehiclesKey)
	r := pipe.HLen(ctx, s.routesKey)
	w := pipe.HLen(ctx, s.agentsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Stats{}, err
	}
	return store.Stats{
		Orders:   int(o.Val()),
		Vehicles: int(v.Val()),
		Routes:   int(r.Val()),
		Workers:  int(w.Val()),
	}, nil
}

func (s *Store) Close() error { return s.client.Close() }
