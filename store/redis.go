package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/samthor/blocksync/block"
)

// DefaultRedisPrefix is used for keys when no prefix is configured.
const DefaultRedisPrefix = "blocksync:"

// Redis stores each document as a JSON string under prefix+id, plus a set of known ids.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// OpenRedis connects to addr and checks that the server responds.
func OpenRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) docKey(id string) string { return r.prefix + "doc:" + id }
func (r *Redis) indexKey() string        { return r.prefix + "docs" }

func (r *Redis) Load(ctx context.Context, id string) (doc block.Document, err error) {
	raw, err := r.rdb.Get(ctx, r.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return doc, ErrNotFound
	} else if err != nil {
		return doc, fmt.Errorf("load %q: %w", id, err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode %q: %w", id, err)
	}
	doc.ID = id
	return doc, nil
}

func (r *Redis) Save(ctx context.Context, doc block.Document) error {
	doc.Blocks = nonNilBlocks(doc.Blocks)
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.docKey(doc.ID), raw, 0)
		pipe.SAdd(ctx, r.indexKey(), doc.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %q: %w", doc.ID, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
