package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

const defaultRedisPrefix = "sidekick"

// RedisStore keeps each record as a JSON string and fans changes out over
// one pub/sub channel per record. Writes use WATCH/MULTI so the SET and the
// PUBLISH commit together.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	clock   clockwork.Clock
	streams sync.WaitGroup

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisStore parses url, pings the server and returns a store using
// prefix for every key ("sidekick" when empty).
func NewRedisStore(ctx context.Context, url, prefix string, opts ...Option) (*RedisStore, error) {
	redisOptions, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOptions.PoolSize = 10
	redisOptions.MaxRetries = 3
	redisOptions.DialTimeout = 5 * time.Second

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	o := buildOptions(opts)
	return &RedisStore{
		client: client,
		prefix: prefix,
		clock:  o.clock,
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + ":command:" + id
}

func (s *RedisStore) channel(id string) string {
	return s.prefix + ":command:" + id + ":events"
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":commands"
}

// Create implements ports.CommandStore.
func (s *RedisStore) Create(ctx context.Context, record domain.CommandRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: empty command id", domain.ErrInvalidInput)
	}
	if record.Revision == 0 {
		record.Revision = 1
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	key := s.recordKey(record.ID)
	return s.retry(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, record.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(record.CreatedAt.UnixMilli()), Member: record.ID})
			pipe.Publish(ctx, s.channel(record.ID), payload)
			return nil
		})
		return err
	}, key)
}

// Get implements ports.CommandStore.
func (s *RedisStore) Get(ctx context.Context, id string) (domain.CommandRecord, error) {
	return s.read(ctx, s.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, getter stringGetter, id string) (domain.CommandRecord, error) {
	raw, err := getter.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CommandRecord{}, domain.NotFound(id)
	}
	if err != nil {
		return domain.CommandRecord{}, fmt.Errorf("get command %s: %w", id, err)
	}
	return decodeRecord(raw)
}

// Update implements ports.CommandStore.
func (s *RedisStore) Update(ctx context.Context, id string, mutate ports.Mutator) (domain.CommandRecord, error) {
	key := s.recordKey(id)
	var result domain.CommandRecord
	err := s.retry(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyMutation(current, mutate, s.clock.Now())
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, s.channel(id), payload)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}, key)
	if err != nil {
		return domain.CommandRecord{}, err
	}
	return result, nil
}

// retry runs fn under WATCH and retries while another client wins the race.
func (s *RedisStore) retry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %v: too much contention after %d attempts", keys, maxCASAttempts)
}

// Subscribe implements ports.CommandStore. The channel subscription is
// confirmed before the snapshot is read.
func (s *RedisStore) Subscribe(ctx context.Context, id string, cb ports.RecordCallback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", domain.ErrInvalidInput)
	}
	ps := s.client.Subscribe(ctx, s.channel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe command %s: %w", id, err)
	}

	w := newWatcher(cb)
	w.mu.Lock()
	snapshot, err := s.Get(ctx, id)
	switch {
	case err == nil:
		w.deliverLocked(snapshot)
	case errors.Is(err, domain.ErrNotFound):
	default:
		w.mu.Unlock()
		_ = ps.Close()
		return nil, err
	}
	w.mu.Unlock()

	s.mu.Lock()
	s.subs[ps] = struct{}{}
	s.mu.Unlock()

	messages := ps.Channel()
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		for msg := range messages {
			rec, err := decodeRecord([]byte(msg.Payload))
			if err != nil {
				continue
			}
			w.deliver(rec)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.close()
			s.mu.Lock()
			delete(s.subs, ps)
			s.mu.Unlock()
			_ = ps.Close()
		})
	}, nil
}

// List implements ports.CommandStore.
func (s *RedisStore) List(ctx context.Context, query domain.CommandQuery) ([]domain.CommandRecord, error) {
	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	filtered := records[:0]
	for _, rec := range records {
		if query.Status != "" && rec.Status != query.Status {
			continue
		}
		filtered = append(filtered, rec)
	}
	return sortAndLimit(filtered, query.Limit), nil
}

// PruneTerminal implements ports.CommandStore.
func (s *RedisStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	records, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, rec := range records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(olderThan) {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	return len(ids), nil
}

func (s *RedisStore) all(ctx context.Context) ([]domain.CommandRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read command index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}
	records := make([]domain.CommandRecord, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close ends every subscription and closes the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	for ps := range s.subs {
		_ = ps.Close()
		delete(s.subs, ps)
	}
	s.mu.Unlock()
	s.streams.Wait()
	return s.client.Close()
}

func decodeRecord(raw []byte) (domain.CommandRecord, error) {
	var rec domain.CommandRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.CommandRecord{}, fmt.Errorf("decode command: %w", err)
	}
	return normalise(rec), nil
}

var _ ports.CommandStore = (*RedisStore)(nil)
