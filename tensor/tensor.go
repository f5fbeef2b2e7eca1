//
// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package tensor provides the dense float64 tensors exchanged with the
// gradient-extraction and optimizer collaborators of a training loop.
//
// A batch of per-example gradients for one parameter is a Tensor whose first
// dimension indexes the examples: a parameter of shape [3, 4] observed on a
// batch of n examples has per-example gradient shape [n, 3, 4].
package tensor

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrDimensionMismatch is wrapped by every error reporting tensors whose
// shapes are inconsistent with each other or with a declared parameter shape.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Tensor is a dense row-major float64 tensor.
type Tensor struct {
	shape []int
	data  []float64
}

// New returns a Tensor of the given shape backed by data. data is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d values", ErrDimensionMismatch, shape, n, len(data))
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// Zeros returns a zero-filled Tensor of the given shape. It panics if a
// dimension is negative.
func Zeros(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, n)}
}

// NumElements returns the number of elements held by a tensor of the given
// shape. The empty shape denotes a scalar.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: shape %v has a negative dimension", ErrDimensionMismatch, shape)
		}
		n *= d
	}
	return n, nil
}

// Shape returns a copy of the shape of t.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Data returns the elements of t in row-major order. The returned slice
// aliases the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.Shape(), data: append([]float64(nil), t.data...)}
}

// NumRows returns the size of the first dimension of t, i.e. the number of
// examples of a per-example batch. A scalar has no rows.
func (t *Tensor) NumRows() int {
	if len(t.shape) == 0 {
		return 0
	}
	return t.shape[0]
}

// RowShape returns the shape of a single row of t.
func (t *Tensor) RowShape() []int {
	if len(t.shape) == 0 {
		return nil
	}
	return append([]int(nil), t.shape[1:]...)
}

// Row returns the elements of the i-th row of t. The returned slice aliases
// the tensor.
func (t *Tensor) Row(i int) []float64 {
	size := len(t.data) / max(t.NumRows(), 1)
	return t.data[i*size : (i+1)*size]
}

// SumRows returns the elementwise sum of the rows of t, scaled by the
// corresponding entries of scales. The result has shape t.RowShape().
func (t *Tensor) SumRows(scales []float64) (*Tensor, error) {
	if len(scales) != t.NumRows() {
		return nil, fmt.Errorf("%w: %d scales for %d rows", ErrDimensionMismatch, len(scales), t.NumRows())
	}
	sum := Zeros(t.RowShape()...)
	for i, s := range scales {
		if s == 0 {
			continue
		}
		floats.AddScaled(sum.data, s, t.Row(i))
	}
	return sum, nil
}

// Add adds u into t elementwise.
func (t *Tensor) Add(u *Tensor) error {
	if !EqualShapes(t.shape, u.shape) {
		return fmt.Errorf("%w: cannot add shape %v to shape %v", ErrDimensionMismatch, u.shape, t.shape)
	}
	floats.Add(t.data, u.data)
	return nil
}

// EqualShapes reports whether a and b describe the same shape.
func EqualShapes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SortedKeys returns the keys of m in increasing order. Iterating parameters in
// this order keeps computations that consume randomness reproducible.
func SortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
