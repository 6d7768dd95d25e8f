package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "checkout:idem:"

// RedisStore shares reservations across API instances. Expiry is delegated to Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client; an empty prefix falls back to the default namespace.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

type recordGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	ttl = normaliseTTL(ttl)
	id := s.key(key)
	record := pendingRecord(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	// A key can expire between SETNX and GET, so retry once before giving up.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.client.SetNX(ctx, id, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: redis setnx: %w", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}

		existing, found, err := loadRecord(ctx, s.client, id)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			continue
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		return existing.reservation(), nil
	}
	return Reservation{}, errors.New("idempotency: redis reservation raced with expiry")
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ttl = normaliseTTL(ttl)
	id := s.key(key)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		record, found, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			record = Record{Key: key, Fingerprint: fingerprint}
		} else if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}

		payload, err := json.Marshal(completeRecord(record, resp, now.UTC(), ttl))
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, payload, ttl)
			return nil
		})
		return err
	}, id)
	return wrapRedisError("save", err)
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.key(key)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		record, found, err := loadRecord(ctx, tx, id)
		if err != nil || !found || record.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, id)
			return nil
		})
		return err
	}, id)
	return wrapRedisError("release", err)
}

// CleanupExpired is a no-op; Redis evicts records when their TTL lapses.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + storageKey(key)
}

func loadRecord(ctx context.Context, getter recordGetter, id string) (Record, bool, error) {
	data, err := getter.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

func wrapRedisError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFingerprintMismatch):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("idempotency: redis %s: concurrent update: %w", op, err)
	default:
		return fmt.Errorf("idempotency: redis %s: %w", op, err)
	}
}
