package engine

import (
	"context"
	"testing"
	"time"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/persistence/snapshot"
)

func sirModel(t *testing.T) (*Model, *Bucket, *Bucket, *Bucket) {
	t.Helper()
	m := NewModel(Config{Scenario: "sir-test", TickInterval: time.Millisecond})

	s := New("Susceptible")
	i := New("Infected")
	r := New("Recovered")
	s.Attach(NewInfection(i, 0.01))
	i.Attach(NewDiffusion(r, 0.2))
	s.Increase(1000)
	i.Increase(1)

	m.Add(s)
	m.Add(i)
	m.Add(r)
	return m, s, i, r
}

func TestModel_SweepOrderIsInsertionThenAttachment(t *testing.T) {
	// A's behaviour mutates B before B's own behaviours run in the same
	// sweep, so B diffuses out of its already-updated quantity.
	m := NewModel(Config{})
	a := New("A")
	b := New("B")
	c := New("C")
	a.Attach(NewDiffusion(b, 0.5))
	b.Attach(NewDiffusion(c, 0.2))
	a.Increase(1000)

	m.Add(a)
	m.Add(b)
	m.Add(c)

	m.AdvanceAll(1)

	// A: moved=round(0.5*1000)=500 -> B=500, A=500.
	// B (after A's move): moved=round(0.2*500)=100 -> C=100, B=400.
	if got := a.Quantity(); got != 500 {
		t.Fatalf("A: got %d, want 500", got)
	}
	if got := b.Quantity(); got != 400 {
		t.Fatalf("B: got %d, want 400 (sweep must see A's move first)", got)
	}
	if got := c.Quantity(); got != 100 {
		t.Fatalf("C: got %d, want 100", got)
	}
}

func TestModel_SIRFirstTick(t *testing.T) {
	// With one infected individual, round(0.01*1)=0 and round(0.2*1)=0:
	// nothing moves on the first tick.
	m, s, i, r := sirModel(t)

	m.AdvanceAll(1)

	if got := s.Quantity(); got != 1000 {
		t.Fatalf("Susceptible: got %d, want 1000", got)
	}
	if got := i.Quantity(); got != 1 {
		t.Fatalf("Infected: got %d, want 1", got)
	}
	if got := r.Quantity(); got != 0 {
		t.Fatalf("Recovered: got %d, want 0", got)
	}
	if m.CurrentTick() != 1 {
		t.Fatalf("tick: got %d, want 1", m.CurrentTick())
	}
}

func TestModel_NonNegativityOverLongRun(t *testing.T) {
	// Contact wiring so the trajectory actually evolves: S drains into I,
	// I drains into R. Underflow anywhere would panic in Decrease.
	m := NewModel(Config{Scenario: "sir-contact"})
	s := New("Susceptible")
	i := New("Infected")
	r := New("Recovered")
	s.Attach(NewContact(i, 0.01))
	i.Attach(NewDiffusion(r, 0.2))
	s.Increase(1000)
	i.Increase(1)
	m.Add(s)
	m.Add(i)
	m.Add(r)

	total := s.Quantity() + i.Quantity() + r.Quantity()
	for tick := 0; tick < 10000; tick++ {
		m.AdvanceAll(1)
		if got := s.Quantity() + i.Quantity() + r.Quantity(); got != total {
			t.Fatalf("tick %d: total=%d, want %d", tick, got, total)
		}
	}
	if r.Quantity() == 0 {
		t.Fatalf("no quantity ever reached Recovered; the scenario never moved")
	}
}

func TestModel_DeterministicDigests(t *testing.T) {
	m1, _, _, _ := sirModel(t)
	m2, _, _, _ := sirModel(t)

	for tick := 0; tick < 200; tick++ {
		d1 := m1.Digest()
		d2 := m2.Digest()
		if d1 != d2 {
			t.Fatalf("digest diverged at tick %d:\n  %s\n  %s", tick, d1, d2)
		}
		m1.AdvanceAll(1)
		m2.AdvanceAll(1)
	}
}

func TestModel_SnapshotOrderAndDigest(t *testing.T) {
	m, _, _, _ := sirModel(t)
	m.AdvanceAll(3)

	snap := m.Snapshot()
	if snap.Tick != 3 {
		t.Fatalf("tick: got %d, want 3", snap.Tick)
	}
	wantNames := []string{"Susceptible", "Infected", "Recovered"}
	if len(snap.Buckets) != len(wantNames) {
		t.Fatalf("buckets: got %d, want %d", len(snap.Buckets), len(wantNames))
	}
	for i, name := range wantNames {
		if snap.Buckets[i].Name != name {
			t.Fatalf("bucket %d: got %q, want %q", i, snap.Buckets[i].Name, name)
		}
	}
	if snap.Digest != m.Digest() {
		t.Fatalf("snapshot digest differs from model digest")
	}
}

func TestModel_ExportImportRoundTrip(t *testing.T) {
	m1, _, _, _ := sirModel(t)
	for tick := 0; tick < 500; tick++ {
		m1.AdvanceAll(1)
	}
	snap := m1.ExportSnapshot(m1.CurrentTick())

	m2, _, _, _ := sirModel(t)
	if err := m2.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if m2.CurrentTick() != m1.CurrentTick() {
		t.Fatalf("tick: got %d, want %d", m2.CurrentTick(), m1.CurrentTick())
	}
	if m1.Digest() != m2.Digest() {
		t.Fatalf("digest mismatch after import:\n  %s\n  %s", m1.Digest(), m2.Digest())
	}

	// The restored model must continue identically.
	for tick := 0; tick < 100; tick++ {
		m1.AdvanceAll(1)
		m2.AdvanceAll(1)
	}
	if m1.Digest() != m2.Digest() {
		t.Fatalf("digest diverged after resume")
	}
}

func TestModel_ImportSnapshotRejectsMismatchedWiring(t *testing.T) {
	m, _, _, _ := sirModel(t)

	bad := snapshot.SnapshotV1{
		Header:  snapshot.Header{Version: 1, Scenario: "other", Tick: 9},
		Buckets: []snapshot.BucketV1{{Name: "X", Quantity: 1}},
	}
	if err := m.ImportSnapshot(bad); err == nil {
		t.Fatalf("import accepted a snapshot with wrong bucket count")
	}

	bad.Buckets = []snapshot.BucketV1{
		{Name: "Susceptible", Quantity: 1},
		{Name: "Wrong", Quantity: 2},
		{Name: "Recovered", Quantity: 3},
	}
	if err := m.ImportSnapshot(bad); err == nil {
		t.Fatalf("import accepted a snapshot with mismatched names")
	}
}

type collectSink struct {
	snaps []Snapshot
	stop  func()
	at    int
}

func (c *collectSink) Publish(s Snapshot) error {
	c.snaps = append(c.snaps, s)
	if c.at > 0 && len(c.snaps) == c.at {
		c.stop()
	}
	return nil
}

func TestModel_RunPublishesBeforeAdvancing(t *testing.T) {
	m, _, _, _ := sirModel(t)
	sink := &collectSink{stop: m.Stop, at: 4}
	m.AttachSink(sink)

	if err := m.Run(context.Background(), 2); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.snaps) < 4 {
		t.Fatalf("got %d snapshots, want at least 4", len(sink.snaps))
	}
	// Snapshot 0 is the initial state, published before any update.
	if sink.snaps[0].Tick != 0 {
		t.Fatalf("first snapshot tick: got %d, want 0", sink.snaps[0].Tick)
	}
	if sink.snaps[0].Buckets[0].Quantity != 1000 {
		t.Fatalf("first snapshot saw an updated state: got %d", sink.snaps[0].Buckets[0].Quantity)
	}
	for i, snap := range sink.snaps[:4] {
		if want := uint64(i) * 2; snap.Tick != want {
			t.Fatalf("snapshot %d tick: got %d, want %d", i, snap.Tick, want)
		}
	}
}

func TestModel_RunStopsOnContextCancel(t *testing.T) {
	m, _, _, _ := sirModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx, 1); err != context.Canceled {
		t.Fatalf("run: got %v, want context.Canceled", err)
	}
}

func TestModel_SnapshotSinkEmitsEveryN(t *testing.T) {
	m := NewModel(Config{Scenario: "snap-test", TickInterval: time.Millisecond, SnapshotEveryTicks: 2})
	b := New("pool")
	b.Increase(100)
	m.Add(b)

	ch := make(chan snapshot.SnapshotV1, 16)
	m.SetSnapshotSink(ch)

	for i := 0; i < 6; i++ {
		m.step(1)
	}
	close(ch)

	var ticks []uint64
	for snap := range ch {
		ticks = append(ticks, snap.Header.Tick)
	}
	want := []uint64{2, 4, 6}
	if len(ticks) != len(want) {
		t.Fatalf("got snapshots at %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("got snapshots at %v, want %v", ticks, want)
		}
	}
}
