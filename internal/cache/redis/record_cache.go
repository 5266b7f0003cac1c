package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RecordCache keeps the latest fixed-layout record of each market so reads
// of the raw record skip the database.
type RecordCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRecordCache(c *Client, ttl time.Duration) *RecordCache {
	return &RecordCache{rdb: c.Underlying(), ttl: ttl}
}

func recordKey(id uuid.UUID) string {
	return "pm:market:record:" + id.String()
}

// Put stores record if its version is not older than the cached one.
func (c *RecordCache) Put(ctx context.Context, id uuid.UUID, version uint64, record []byte) error {
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cached, err := tx.HGet(ctx, recordKey(id), "version").Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && cached > version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, recordKey(id), "version", version, "record", record)
			if c.ttl > 0 {
				p.Expire(ctx, recordKey(id), c.ttl)
			}
			return nil
		})
		return err
	}, recordKey(id))
	if err != nil {
		return fmt.Errorf("redis: cache record %s: %w", id, err)
	}
	return nil
}

// Get returns the cached record. ok is false on a miss.
func (c *RecordCache) Get(ctx context.Context, id uuid.UUID) (record []byte, ok bool, err error) {
	b, err := c.rdb.HGet(ctx, recordKey(id), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get record %s: %w", id, err)
	}
	return b, true, nil
}
