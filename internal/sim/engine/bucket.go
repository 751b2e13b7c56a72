package engine

import "fmt"

// Bucket is a named compartment holding a non-negative quantity.
//
// A *Bucket is a shared handle: the model, behaviours targeting the bucket,
// and scenario wiring all hold the same pointer, so a mutation made through
// any handle is visible through every other one. That aliasing is load-bearing
// for the simulation semantics (see Model).
type Bucket struct {
	name       string
	quantity   uint64
	behaviours []Behaviour
}

func New(name string) *Bucket {
	return &Bucket{name: name}
}

func (b *Bucket) Name() string { return b.name }

// Quantity returns the current quantity. Non-mutating.
func (b *Bucket) Quantity() uint64 { return b.quantity }

// Increase adds amount to the bucket. Negative amounts are a contract
// violation: callers move quantity, they never use Increase to subtract.
func (b *Bucket) Increase(amount int64) {
	if amount < 0 {
		panic(fmt.Sprintf("engine: increase %q by negative amount %d", b.name, amount))
	}
	b.quantity += uint64(amount)
}

// Decrease subtracts amount from the bucket. Subtracting past zero is a
// contract violation and aborts: behaviours must guard with signed arithmetic
// before committing a move, and a missing or miscomputed guard is not a
// recoverable condition.
func (b *Bucket) Decrease(amount int64) {
	if amount < 0 {
		panic(fmt.Sprintf("engine: decrease %q by negative amount %d", b.name, amount))
	}
	if uint64(amount) > b.quantity {
		panic(fmt.Sprintf("engine: underflow on %q: quantity=%d decrease=%d", b.name, b.quantity, amount))
	}
	b.quantity -= uint64(amount)
}

// Attach appends a behaviour. The behaviour is invoked with this bucket as
// source on every subsequent Advance, in attachment order.
func (b *Bucket) Attach(bh Behaviour) {
	b.behaviours = append(b.behaviours, bh)
}

// Advance invokes every attached behaviour in attachment order with this
// bucket as source and the elapsed tick count. Behaviours may mutate this
// bucket and any target buckets they hold handles to.
func (b *Bucket) Advance(ticks uint64) {
	for _, bh := range b.behaviours {
		bh.Update(b, ticks)
	}
}

func (b *Bucket) setQuantity(q uint64) { b.quantity = q }
