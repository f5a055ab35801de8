// Package indicator provides technical indicator calculations over bar data.
//
// Every function takes the full history and returns a Series aligned
// index-for-index with its input. Indices before the warm-up window hold an
// undefined Value, never zero.
package indicator

import (
	"encoding/json"
	"math"
)

// Value is one indicator reading: either a defined float or undefined
// because the warm-up history is not yet available.
type Value struct {
	v  float64
	ok bool
}

// Undefined is the reading for indices inside the warm-up window.
var Undefined = Value{}

// Defined wraps a computed reading.
func Defined(v float64) Value {
	return Value{v: v, ok: true}
}

// Get returns the reading and whether it is defined.
func (x Value) Get() (float64, bool) { return x.v, x.ok }

// OK reports whether the reading is defined.
func (x Value) OK() bool { return x.ok }

// MarshalJSON encodes undefined readings as null.
func (x Value) MarshalJSON() ([]byte, error) {
	if !x.ok || math.IsNaN(x.v) || math.IsInf(x.v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(x.v)
}

// Series is an indicator output aligned with its input sequence.
type Series []Value

// At returns the reading at index i, or Undefined when i is out of range.
func (s Series) At(i int) Value {
	if i < 0 || i >= len(s) {
		return Undefined
	}
	return s[i]
}

// Last returns the final reading.
func (s Series) Last() Value {
	return s.At(len(s) - 1)
}

// FirstDefined returns the index of the first defined reading, or -1.
func (s Series) FirstDefined() int {
	for i, x := range s {
		if x.ok {
			return i
		}
	}
	return -1
}
