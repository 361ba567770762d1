package index

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisCandidateWindow bounds how many head-of-set members one pop inspects.
// The set is scored by priority alone, so due-filtering and the full
// composite tie-break happen client-side over this window.
const redisCandidateWindow = 256

// RedisIndex keeps entries in one sorted set per queue, scored by negated
// priority so the lowest scores are the most urgent. Members are the JSON
// entries themselves; ZREM's removed-count arbitrates racing poppers, so
// each entry is handed to exactly one of them.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

var _ Index = (*RedisIndex)(nil)

func NewRedisIndex(client redis.UniversalClient, queueName string) *RedisIndex {
	return &RedisIndex{
		client: client,
		key:    "relayq:index:" + queueName,
	}
}

func (r *RedisIndex) Push(entry Entry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.ZAdd(context.Background(), r.key, &redis.Z{
		Score:  -float64(entry.Priority),
		Member: string(member),
	}).Err()
}

func (r *RedisIndex) PopBatch(limit int, now time.Time) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	ctx := context.Background()
	members, err := r.client.ZRange(ctx, r.key, 0, redisCandidateWindow-1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	type candidate struct {
		entry  Entry
		member string
	}
	due := make([]candidate, 0, len(members))
	for _, member := range members {
		var entry Entry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// Unparseable member: drop it so it cannot wedge the head.
			_ = r.client.ZRem(ctx, r.key, member).Err()
			continue
		}
		if entry.ScheduledAt.After(now) {
			continue
		}
		due = append(due, candidate{entry: entry, member: member})
	}
	sort.SliceStable(due, func(i, j int) bool {
		return entryLess(due[i].entry, due[j].entry)
	})

	out := make([]Entry, 0, limit)
	for _, c := range due {
		if len(out) == limit {
			break
		}
		removed, err := r.client.ZRem(ctx, r.key, c.member).Result()
		if err != nil {
			return out, err
		}
		if removed == 0 {
			// Another popper won this member.
			continue
		}
		out = append(out, c.entry)
	}
	return out, nil
}

func (r *RedisIndex) Size() (int, error) {
	n, err := r.client.ZCard(context.Background(), r.key).Result()
	return int(n), err
}
