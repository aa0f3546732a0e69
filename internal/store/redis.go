package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	backend "github.com/redis/go-redis/v9"

	"github.com/nerrad567/labhub-core/internal/state"
)

// DefaultRedisPrefix namespaces snapshot keys.
const DefaultRedisPrefix = "labhub:snapshot:"

var (
	snapEncMode cbor.EncMode
	snapDecMode cbor.DecMode
)

func init() {
	var err error
	snapEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot CBOR encoder mode: %v", err))
	}

	// Knob values are decoded into any; keep maps string-keyed and
	// integers signed so they compare like values built in Go.
	snapDecMode, err = cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot CBOR decoder mode: %v", err))
	}
}

// RedisStore keeps CBOR-encoded snapshots in Redis. Saved hubs are
// indexed in a sorted set scored by expiry.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL expires snapshots after ttl; zero keeps them.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore connects to addr.
func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	return NewRedisStoreFromClient(backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(hub string) string { return s.prefix + hub }
func (s *RedisStore) indexKey() string      { return s.prefix + "index" }

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot of hub.
func (s *RedisStore) SaveSnapshot(ctx context.Context, hub string, snap state.Snapshot) error {
	if err := checkHub(hub); err != nil {
		return err
	}
	data, err := snapEncMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = float64(farFuture.Unix())
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(hub), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score, Member: hub})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving snapshot to redis: %w", err)
	}
	return nil
}

var farFuture = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// LoadSnapshot returns the stored snapshot of hub.
func (s *RedisStore) LoadSnapshot(ctx context.Context, hub string) (state.Snapshot, error) {
	if err := checkHub(hub); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(hub)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hub)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot from redis: %w", err)
	}

	var snap state.Snapshot
	if err := snapDecMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes the snapshot of hub.
func (s *RedisStore) Delete(ctx context.Context, hub string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(hub))
	pipe.ZRem(ctx, s.indexKey(), hub)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting snapshot from redis: %w", err)
	}
	return nil
}

// Hubs lists hubs with an unexpired snapshot, pruning expired index
// entries first.
func (s *RedisStore) Hubs(ctx context.Context) ([]string, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", "("+now).Err(); err != nil {
		return nil, fmt.Errorf("pruning snapshot index: %w", err)
	}
	hubs, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return hubs, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
