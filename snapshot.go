package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a cached serialization of an aggregate at Version. It is an
// optimization only; the event stream stays the source of truth.
type Snapshot struct {
	SnapshotID    string    `json:"snapshot_id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       uint64    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	Data          []byte    `json:"data"`
}

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("aggregate_type", s.AggregateType),
		slog.String("aggregate_id", s.AggregateID),
		slog.Uint64("version", s.Version),
		slog.Int("size", len(s.Data)),
	)
}

// Snapshottable is implemented by aggregates whose state can be cached.
type Snapshottable interface {
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

// Snapshotter persists snapshots. LoadSnapshot returns ErrSnapshotNotFound
// when there is none.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (*Snapshot, error)
}

// CreateSnapshot serializes a clean aggregate.
func CreateSnapshot(agg Aggregate) (*Snapshot, error) {
	s, ok := agg.(Snapshottable)
	if !ok {
		return nil, fmt.Errorf("%s does not support snapshots", agg.AggregateType())
	}
	if len(agg.UncommittedEvents()) > 0 {
		return nil, fmt.Errorf("snapshot %s %q: aggregate has uncommitted events", agg.AggregateType(), agg.AggregateID())
	}
	data, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s %q: %w", agg.AggregateType(), agg.AggregateID(), err)
	}
	return &Snapshot{
		SnapshotID:    gonanoid.Must(),
		AggregateID:   agg.AggregateID(),
		AggregateType: agg.AggregateType(),
		Version:       agg.AggregateVersion(),
		CreatedAt:     now(),
		Data:          data,
	}, nil
}

// RestoreSnapshot loads snapshot state into a fresh aggregate and moves it
// to the snapshot version.
func RestoreSnapshot(agg Aggregate, snapshot *Snapshot) error {
	s, ok := agg.(Snapshottable)
	if !ok {
		return fmt.Errorf("%s does not support snapshots", agg.AggregateType())
	}
	if snapshot.AggregateID != agg.AggregateID() || snapshot.AggregateType != agg.AggregateType() {
		return fmt.Errorf("snapshot of %s %q cannot restore %s %q",
			snapshot.AggregateType, snapshot.AggregateID, agg.AggregateType(), agg.AggregateID())
	}
	if err := s.RestoreSnapshot(snapshot.Data); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snapshot.SnapshotID, err)
	}
	agg.base().restore(snapshot.Version)
	return nil
}

// MemorySnapshotter keeps the latest snapshot per aggregate in memory.
type MemorySnapshotter struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewMemorySnapshotter() *MemorySnapshotter {
	return &MemorySnapshotter{snapshots: make(map[string]*Snapshot)}
}

func (m *MemorySnapshotter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *snapshot
	c.Data = append([]byte(nil), snapshot.Data...)

	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapshot.AggregateType + "/" + snapshot.AggregateID
	if prev, ok := m.snapshots[key]; ok && prev.Version > c.Version {
		return nil
	}
	m.snapshots[key] = &c
	return nil
}

func (m *MemorySnapshotter) LoadSnapshot(ctx context.Context, aggregateType, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[aggregateType+"/"+aggregateID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	c := *s
	c.Data = append([]byte(nil), s.Data...)
	return &c, nil
}
