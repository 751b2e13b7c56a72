package engine

import "math"

// Behaviour moves quantity between buckets once per tick. Update receives the
// bucket it is attached to (the source) and the elapsed tick count, computes a
// move amount from its rate coefficient, and commits the move only after a
// signed underflow check.
//
// The set of behaviours is closed: Diffusion, Infection and Contact. All
// mutation goes through Bucket.Increase/Decrease so the non-negativity
// invariant is enforced in one place.
type Behaviour interface {
	Update(source *Bucket, elapsed uint64)
}

// Diffusion moves a fraction of the source bucket's quantity into the target
// each tick: moved = round(probability * source) * elapsed.
type Diffusion struct {
	Target      *Bucket
	Probability float64
}

func NewDiffusion(target *Bucket, probability float64) *Diffusion {
	return &Diffusion{Target: target, Probability: probability}
}

func (d *Diffusion) Update(source *Bucket, elapsed uint64) {
	c := source.Quantity()
	moved := int64(math.Round(d.Probability*float64(c))) * int64(elapsed)
	// Strict >: a move that would drain the source to exactly zero is skipped.
	if int64(c)-moved > 0 {
		d.Target.Increase(moved)
		source.Decrease(moved)
	}
}

// Infection moves quantity from the source into the target at a rate
// proportional to the target's current quantity:
// moved = round(probability * target) * elapsed, guarded on the target side.
//
// Epidemiologically this is prevalence-driven growth (the infected pool
// recruits from the source), not classic SIR incidence; Contact implements
// the source-proportional rule. Both are kept because scenarios exist that
// depend on either reading.
type Infection struct {
	Target      *Bucket
	Probability float64
}

func NewInfection(target *Bucket, probability float64) *Infection {
	return &Infection{Target: target, Probability: probability}
}

func (i *Infection) Update(source *Bucket, elapsed uint64) {
	t := i.Target.Quantity()
	moved := int64(math.Round(i.Probability*float64(t))) * int64(elapsed)
	if int64(t)-moved > 0 {
		i.Target.Increase(moved)
		source.Decrease(moved)
	}
}

// Contact moves quantity into the target proportional to the source's
// quantity, with the source-side guard. This is the SIR-accurate incidence
// rule: new arrivals in the target scale with the population still in the
// source.
type Contact struct {
	Target      *Bucket
	Probability float64
}

func NewContact(target *Bucket, probability float64) *Contact {
	return &Contact{Target: target, Probability: probability}
}

func (c *Contact) Update(source *Bucket, elapsed uint64) {
	q := source.Quantity()
	moved := int64(math.Round(c.Probability*float64(q))) * int64(elapsed)
	if int64(q)-moved > 0 {
		c.Target.Increase(moved)
		source.Decrease(moved)
	}
}
