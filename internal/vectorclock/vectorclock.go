// Package vectorclock implements fixed-length, immutable vector clocks used
// to track causal dependencies across replicas.
package vectorclock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShapeMismatch is returned when two clocks of different lengths are
// compared or merged.
var ErrShapeMismatch = errors.New("vectorclock: shape mismatch")

// ErrIndexOutOfRange is returned by Increment when the index is outside
// [0, Len()).
var ErrIndexOutOfRange = errors.New("vectorclock: index out of range")

// Clock is an N-dimensional vector of non-negative integers. The zero value
// is not usable; construct one with New or FromSlice. A Clock is a value
// type: Increment and Merge return a new Clock rather than mutating the
// receiver, so a Clock is safe to copy, compare, and use as a map key.
type Clock struct {
	v string // opaque comparable encoding of the vector, see encode/decode
}

// encode/decode round-trip a []int through a comma-separated string so
// Clock can be used directly as a map key (Go slices cannot be). The
// encoding doubles as a readable String() representation.
func encode(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func decode(s string) []int {
	if s == "" {
		return []int{}
	}
	parts := strings.Split(s, ",")
	xs := make([]int, len(parts))
	for i, p := range parts {
		xs[i], _ = strconv.Atoi(p) // values only ever come from encode
	}
	return xs
}

// New returns a zero Clock of the given length.
func New(n int) Clock {
	return FromSlice(make([]int, n))
}

// FromSlice builds a Clock from an existing slice of values, copying it.
func FromSlice(xs []int) Clock {
	cp := make([]int, len(xs))
	copy(cp, xs)
	return Clock{v: encode(cp)}
}

// Len reports the number of components in the clock.
func (c Clock) Len() int {
	if c.v == "" {
		return 0
	}
	return strings.Count(c.v, ",") + 1
}

// Value returns an immutable snapshot of the clock's components.
func (c Clock) Value() []int {
	return decode(c.v)
}

// Increment returns a copy of c with component i raised by one. It returns
// ErrIndexOutOfRange if i is outside [0, c.Len()).
//
// Earlier revisions of this routine copied the vector into a local, bumped
// the local, and then discarded it without reassigning — a silent no-op.
// Returning the incremented copy (instead of mutating in place) avoids that
// class of bug entirely: there is nothing to forget to reassign.
func (c Clock) Increment(i int) (Clock, error) {
	if i < 0 || i >= c.Len() {
		return Clock{}, fmt.Errorf("%w: index %d, length %d", ErrIndexOutOfRange, i, c.Len())
	}
	xs := c.Value()
	xs[i]++
	return Clock{v: encode(xs)}, nil
}

// Merge returns the componentwise maximum of c and other. Both clocks must
// have the same length.
func (c Clock) Merge(other Clock) (Clock, error) {
	if c.Len() != other.Len() {
		return Clock{}, fmt.Errorf("%w: %d vs %d", ErrShapeMismatch, c.Len(), other.Len())
	}
	a, b := c.Value(), other.Value()
	out := make([]int, len(a))
	for i := range a {
		if a[i] > b[i] {
			out[i] = a[i]
		} else {
			out[i] = b[i]
		}
	}
	return Clock{v: encode(out)}, nil
}

// LessEq reports whether c[i] <= other[i] for every component i.
func (c Clock) LessEq(other Clock) (bool, error) {
	if c.Len() != other.Len() {
		return false, fmt.Errorf("%w: %d vs %d", ErrShapeMismatch, c.Len(), other.Len())
	}
	a, b := c.Value(), other.Value()
	for i := range a {
		if a[i] > b[i] {
			return false, nil
		}
	}
	return true, nil
}

// Equal reports whether c and other have identical components.
func (c Clock) Equal(other Clock) bool {
	return c.v == other.v
}

// Less reports whether c <= other and c != other.
func (c Clock) Less(other Clock) (bool, error) {
	le, err := c.LessEq(other)
	if err != nil {
		return false, err
	}
	return le && !c.Equal(other), nil
}

// Concurrent reports whether neither a < b nor b < a holds.
func Concurrent(a, b Clock) (bool, error) {
	ab, err := a.Less(b)
	if err != nil {
		return false, err
	}
	ba, err := b.Less(a)
	if err != nil {
		return false, err
	}
	return !ab && !ba, nil
}

// String renders the clock for logging.
func (c Clock) String() string {
	return fmt.Sprintf("%v", c.Value())
}
