// Package opt provides an explicit optional value so that "unset" never has to
// be encoded as a sentinel such as an empty string or a zero uid.
package opt

import "fmt"

// Value holds either a T or nothing. The zero Value is empty.
type Value[T any] struct {
	v   T
	set bool
}

// Some wraps v.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, set: true}
}

// None returns an empty value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// FromPtr converts a nil-able pointer, as produced by decoders, into a Value.
func FromPtr[T any](p *T) Value[T] {
	if p == nil {
		return Value[T]{}
	}
	return Some(*p)
}

// IsSet reports whether a value is present.
func (o Value[T]) IsSet() bool {
	return o.set
}

// Get returns the value and whether it is present.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.set
}

// Or returns the value when present and fallback otherwise.
func (o Value[T]) Or(fallback T) T {
	if o.set {
		return o.v
	}
	return fallback
}

// MustGet returns the value and panics when it is absent.
func (o Value[T]) MustGet() T {
	if !o.set {
		panic("opt: MustGet on empty value")
	}
	return o.v
}

func (o Value[T]) String() string {
	if !o.set {
		return "none"
	}
	return fmt.Sprintf("some(%v)", o.v)
}
