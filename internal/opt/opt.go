// Package opt provides a small "at most one value" container.
package opt

// Value holds zero or one T. The zero Value is empty.
type Value[T any] struct {
	v   T
	set bool
}

// Some returns a Value holding v.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, set: true}
}

// Get returns the held value and whether one is present.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.set
}

func (o Value[T]) IsSet() bool { return o.set }

// Set replaces the held value, returning the previous one if there was one.
func (o *Value[T]) Set(v T) (prev T, hadPrev bool) {
	prev, hadPrev = o.v, o.set
	o.v, o.set = v, true
	return prev, hadPrev
}

// Take empties the container and returns what it held.
func (o *Value[T]) Take() (T, bool) {
	v, ok := o.v, o.set
	var zero T
	o.v, o.set = zero, false
	return v, ok
}

func (o *Value[T]) Clear() {
	o.Take()
}
