package device

import "math/bits"

// Record is the reconciler's mutable copy of the device state. Besides
// the State it tracks which fields have ever been delivered and a
// generation number per field, bumped on every mutation of that field.
//
// A Record is owned by a single goroutine and is not safe for concurrent
// use.
type Record struct {
	state State
	known FieldSet
	clock uint64
	gens  [16]uint64
}

// NewRecord returns a record in the first-attach state.
func NewRecord() *Record {
	return &Record{}
}

// State returns a copy of the current state.
func (r *Record) State() State {
	return r.state
}

// Known returns the fields that have been set at least once.
func (r *Record) Known() FieldSet {
	return r.known
}

// Generation returns the generation of f's last mutation. It is zero
// until the field is first set.
func (r *Record) Generation(f Field) uint64 {
	return r.gens[fieldIndex(f)]
}

func fieldIndex(f Field) int {
	return bits.TrailingZeros16(uint16(f))
}

// Apply merges p into the record. Every field present in p (and any mode
// flag cleared to keep the modes exclusive) gets a new generation, even
// when its value did not change: the patch is the newest word on that
// field. It returns the fields whose values changed and the cleared mode
// flag, if any.
func (r *Record) Apply(p Patch) (changed FieldSet, cleared Field) {
	next, cleared := MergeNormalized(r.state, p)
	touched := p.Fields()
	if cleared != 0 {
		touched = touched.With(cleared)
	}
	for _, f := range touched.Fields() {
		r.clock++
		r.gens[fieldIndex(f)] = r.clock
	}
	r.known |= touched
	changed = Diff(r.state, next)
	r.state = next
	return changed, cleared
}

// Revert restores f to prev, but only if nothing has touched f since
// generation gen. It reports whether the revert was applied.
func (r *Record) Revert(f Field, prev any, gen uint64) (bool, error) {
	if r.Generation(f) != gen {
		return false, nil
	}
	p, err := PatchOf(f, prev)
	if err != nil {
		return false, err
	}
	r.Apply(p)
	return true, nil
}
