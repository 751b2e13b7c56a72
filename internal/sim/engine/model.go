package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/persistence/snapshot"
)

type Config struct {
	Scenario           string
	TickInterval       time.Duration
	SnapshotEveryTicks int
}

// BucketState is one bucket's entry in a rendering snapshot.
type BucketState struct {
	Name     string `json:"name"`
	Quantity uint64 `json:"quantity"`
}

// Snapshot is what the model publishes to its sinks once per tick: the tick
// number, every bucket's quantity in display order, and a digest of that
// state. It is a value copy; sinks may retain it.
type Snapshot struct {
	Tick    uint64        `json:"tick"`
	Digest  string        `json:"digest"`
	Buckets []BucketState `json:"buckets"`
}

// Sink consumes one snapshot per tick. Publish runs on the model loop
// goroutine and must not block on slow consumers.
type Sink interface {
	Publish(Snapshot) error
}

// Model owns an ordered collection of buckets and drives the simulation.
//
// The sweep is single-threaded and strictly ordered: buckets in insertion
// order, and within a bucket, behaviours in attachment order. Because buckets
// are shared handles, a behaviour running early in the sweep may mutate a
// bucket whose own behaviours run later in the same sweep — that ordering is
// part of the simulation's semantics, not an accident, and reordering changes
// trajectories.
type Model struct {
	cfg     Config
	buckets []*Bucket

	tick atomic.Uint64

	// Sinks and the snapshot sink must be attached before Run; the loop reads
	// them without synchronization.
	sinks        []Sink
	snapshotSink chan<- snapshot.SnapshotV1

	stop chan struct{}
}

func NewModel(cfg Config) *Model {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Model{
		cfg:  cfg,
		stop: make(chan struct{}),
	}
}

func (m *Model) Config() Config { return m.cfg }

// Add appends a bucket handle. Insertion order is iteration and display
// order. The same underlying bucket may be added more than once.
func (m *Model) Add(b *Bucket) {
	m.buckets = append(m.buckets, b)
}

func (m *Model) Buckets() []*Bucket { return m.buckets }

// AttachSink registers a per-tick snapshot consumer. Not safe after Run.
func (m *Model) AttachSink(s Sink) {
	m.sinks = append(m.sinks, s)
}

// SetSnapshotSink registers an off-thread persistence sink; the loop sends a
// resumable snapshot every SnapshotEveryTicks ticks and drops it if the sink
// is backed up.
func (m *Model) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { m.snapshotSink = ch }

func (m *Model) CurrentTick() uint64 { return m.tick.Load() }

// AdvanceAll advances every bucket by the given tick count: one synchronous
// sweep in insertion order, then the model clock moves forward. No pacing, no
// snapshot publication — this is the unit of simulated time that tests and
// replay drive directly.
func (m *Model) AdvanceAll(ticks uint64) {
	for _, b := range m.buckets {
		b.Advance(ticks)
	}
	m.tick.Add(ticks)
}

// Snapshot captures the current state in display order.
func (m *Model) Snapshot() Snapshot {
	s := Snapshot{
		Tick:    m.tick.Load(),
		Buckets: make([]BucketState, 0, len(m.buckets)),
	}
	for _, b := range m.buckets {
		s.Buckets = append(s.Buckets, BucketState{Name: b.Name(), Quantity: b.Quantity()})
	}
	s.Digest = digest(s)
	return s
}

// Digest returns the canonical digest of the current state. Two identically
// driven models produce identical digest sequences.
func (m *Model) Digest() string {
	return digest(m.Snapshot())
}

func digest(s Snapshot) string {
	h := sha256.New()
	fmt.Fprintf(h, "tick=%d\n", s.Tick)
	for _, b := range s.Buckets {
		fmt.Fprintf(h, "%s=%d\n", b.Name, b.Quantity)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run drives the simulation until ctx is cancelled or Stop is called. Each
// iteration publishes the current snapshot to every sink, advances all
// buckets by speed ticks, then waits one tick interval. The initial state is
// therefore published before the first update, and the loop has no internal
// exit path of its own.
func (m *Model) Run(ctx context.Context, speed uint64) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		m.step(speed)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Model) Stop() { close(m.stop) }

func (m *Model) step(speed uint64) {
	snap := m.Snapshot()
	for _, s := range m.sinks {
		// Sink failures never stop the simulation; sinks log their own errors.
		_ = s.Publish(snap)
	}

	m.AdvanceAll(speed)

	if m.snapshotSink != nil && m.cfg.SnapshotEveryTicks > 0 {
		nowTick := m.tick.Load()
		every := uint64(m.cfg.SnapshotEveryTicks)
		if nowTick%every == 0 {
			select {
			case m.snapshotSink <- m.ExportSnapshot(nowTick):
			default:
				// Drop the snapshot if the writer is backed up.
			}
		}
	}
}

// ExportSnapshot builds a resumable snapshot of the current state.
func (m *Model) ExportSnapshot(nowTick uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:  1,
			Scenario: m.cfg.Scenario,
			Tick:     nowTick,
		},
		TickIntervalMs:     int(m.cfg.TickInterval / time.Millisecond),
		SnapshotEveryTicks: m.cfg.SnapshotEveryTicks,
		Buckets:            make([]snapshot.BucketV1, 0, len(m.buckets)),
	}
	for _, b := range m.buckets {
		snap.Buckets = append(snap.Buckets, snapshot.BucketV1{Name: b.Name(), Quantity: b.Quantity()})
	}
	return snap
}

// ImportSnapshot restores bucket quantities and the model clock from a
// snapshot. The model must already be wired with the same scenario: bucket
// count and names must match in order.
func (m *Model) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if len(snap.Buckets) != len(m.buckets) {
		return fmt.Errorf("snapshot has %d buckets, model has %d", len(snap.Buckets), len(m.buckets))
	}
	for i, sb := range snap.Buckets {
		if sb.Name != m.buckets[i].Name() {
			return fmt.Errorf("bucket %d: snapshot has %q, model has %q", i, sb.Name, m.buckets[i].Name())
		}
	}
	for i, sb := range snap.Buckets {
		m.buckets[i].setQuantity(sb.Quantity)
	}
	m.tick.Store(snap.Header.Tick)
	return nil
}
