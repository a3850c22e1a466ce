package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	HashKey          = "slave_assignments"
	FieldPending     = "pending"
	FieldStop        = "stop"
	UpdatedSlavesKey = "slaves_to_be_updated"

	emptyList       = "[]"
	maxWatchRetries = 10
)

// Redis keeps the intake slots in a hash of JSON arrays and a set of
// slave ids.
type Redis struct {
	rdb redis.UniversalClient
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) DrainPending(ctx context.Context) ([]int64, error) {
	raw, err := r.drain(ctx, FieldPending)
	if err != nil {
		return nil, err
	}
	return decodePending(raw)
}

func (r *Redis) DrainStop(ctx context.Context) ([]StopRequest, error) {
	raw, err := r.drain(ctx, FieldStop)
	if err != nil {
		return nil, err
	}
	return decodeStop(raw)
}

func (r *Redis) DrainUpdatedSlaves(ctx context.Context) ([]int64, error) {
	n, err := r.rdb.SCard(ctx, UpdatedSlavesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sizing %s: %w", UpdatedSlavesKey, err)
	}
	if n == 0 {
		return nil, nil
	}
	members, err := r.rdb.SPopN(ctx, UpdatedSlavesKey, n).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("popping %s: %w", UpdatedSlavesKey, err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// drain reads a slot and resets it to an empty list in one MULTI/EXEC.
func (r *Redis) drain(ctx context.Context, field string) (string, error) {
	var get *redis.StringCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, HashKey, field)
		pipe.HSet(ctx, HashKey, field, emptyList)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("draining %s.%s: %w", HashKey, field, err)
	}

	raw, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("draining %s.%s: %w", HashKey, field, err)
	}
	return raw, nil
}

func (r *Redis) EnqueuePending(ctx context.Context, ids ...int64) error {
	entries := make([]any, len(ids))
	for i, id := range ids {
		entries[i] = pendingEntry{ID: id}
	}
	return r.appendEntries(ctx, FieldPending, entries)
}

func (r *Redis) RequestStop(ctx context.Context, reqs ...StopRequest) error {
	entries := make([]any, len(reqs))
	for i, req := range reqs {
		entries[i] = req
	}
	return r.appendEntries(ctx, FieldStop, entries)
}

func (r *Redis) MarkSlaveUpdated(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := r.rdb.SAdd(ctx, UpdatedSlavesKey, members...).Err(); err != nil {
		return fmt.Errorf("marking slaves updated: %w", err)
	}
	return nil
}

// appendEntries adds to a slot under WATCH so a concurrent drain either
// sees the whole append or none of it.
func (r *Redis) appendEntries(ctx context.Context, field string, entries []any) error {
	if len(entries) == 0 {
		return nil
	}

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, HashKey, field).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var list []json.RawMessage
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &list); err != nil {
				return fmt.Errorf("decoding %s list: %w", field, err)
			}
		}
		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			list = append(list, b)
		}
		data, err := json.Marshal(list)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, HashKey, field, string(data))
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, HashKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("appending to %s.%s: %w", HashKey, field, err)
	}
	return fmt.Errorf("appending to %s.%s: too much contention", HashKey, field)
}
