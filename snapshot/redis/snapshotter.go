// Package redis stores aggregate snapshots in Redis, one hash per
// aggregate holding the newest snapshot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	es "github.com/terraskye/erp-eventsourcing"
)

const DefaultKeyPrefix = "snapshot"

var _ es.Snapshotter = (*Snapshotter)(nil)

// saveNewest keeps an existing snapshot with a higher version.
var saveNewest = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'snapshot', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

type Options struct {
	KeyPrefix string
	// TTL expires snapshots of idle aggregates; zero keeps them.
	TTL time.Duration
}

type Snapshotter struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewSnapshotter(rdb redis.UniversalClient, opts Options) *Snapshotter {
	prefix := strings.TrimSuffix(opts.KeyPrefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Snapshotter{rdb: rdb, prefix: prefix, ttl: opts.TTL}
}

// Connect dials addr and pings it before returning.
func Connect(ctx context.Context, addr string, opts Options) (*Snapshotter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewSnapshotter(rdb, opts), nil
}

func (s *Snapshotter) key(aggregateType, aggregateID string) string {
	return s.prefix + ":" + aggregateType + ":" + aggregateID
}

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := s.key(snapshot.AggregateType, snapshot.AggregateID)
	if err := saveNewest.Run(ctx, s.rdb, []string{key}, snapshot.Version, raw, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (*es.Snapshot, error) {
	key := s.key(aggregateType, aggregateID)
	raw, err := s.rdb.HGet(ctx, key, "snapshot").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load snapshot %s: %w", key, err)
	}

	var snapshot es.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &snapshot, nil
}

// Close closes the underlying client.
func (s *Snapshotter) Close() error {
	return s.rdb.Close()
}
