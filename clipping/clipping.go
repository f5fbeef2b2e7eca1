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

// Package clipping bounds the contribution of every example of a batch to the
// batch's summed gradient.
//
// By default the L2 norm of an example's gradient is computed over the
// concatenation of all parameters (flat clipping). Alternatively each
// parameter can be clipped to a bound of its own (per-parameter clipping); the
// whole gradient of an example then has L2 norm at most sqrt(Σ Cᵢ²), which is
// the sensitivity reported by Clipper.Sensitivity.
package clipping

import (
	"fmt"
	"math"
	"runtime"

	log "github.com/golang/glog"
	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/google/differential-privacy/dpsgd/tensor"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Options contains the options necessary to initialize a Clipper.
type Options struct {
	// Shapes of the model parameters, keyed by parameter identifier. Required.
	ParameterShapes map[string][]int
	// Maximum L2 norm of an example's gradient over all parameters. Required
	// unless PerParameterClipBounds is set.
	ClipBound float64
	// Maximum L2 norm of an example's gradient for each parameter. Optional; when
	// set, it must contain exactly the parameters of ParameterShapes and
	// ClipBound must be 0.
	PerParameterClipBounds map[string]float64
	// Maximum number of goroutines computing norms and sums. Defaults to
	// runtime.GOMAXPROCS(0).
	Parallelism int
}

// Clipper clips per-example gradients and sums them.
//
// A Clipper is immutable after creation and safe for concurrent use.
type Clipper struct {
	shapes      map[string][]int
	params      []string // sorted parameter identifiers
	clipBound   float64
	perParam    map[string]float64
	sensitivity float64
	parallelism int
}

// New returns a new Clipper.
func New(opt *Options) (*Clipper, error) {
	if opt == nil {
		opt = &Options{} // Prevents panicking due to a nil pointer dereference.
	}
	if len(opt.ParameterShapes) == 0 {
		return nil, fmt.Errorf("clipping.New: %w: ParameterShapes must be set", checks.ErrConfiguration)
	}
	shapes := make(map[string][]int, len(opt.ParameterShapes))
	for p, shape := range opt.ParameterShapes {
		if _, err := tensor.NumElements(shape); err != nil {
			return nil, fmt.Errorf("clipping.New: parameter %q: %w", p, err)
		}
		shapes[p] = append([]int(nil), shape...)
	}
	if err := checks.CheckParallelism("clipping.New", opt.Parallelism); err != nil {
		return nil, err
	}
	parallelism := opt.Parallelism
	if parallelism == 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	c := &Clipper{
		shapes:      shapes,
		params:      tensor.SortedKeys(shapes),
		parallelism: parallelism,
	}
	if len(opt.PerParameterClipBounds) == 0 {
		if err := checks.CheckClipBound("clipping.New", opt.ClipBound); err != nil {
			return nil, err
		}
		c.clipBound = opt.ClipBound
		c.sensitivity = opt.ClipBound
		return c, nil
	}

	if opt.ClipBound != 0 {
		return nil, fmt.Errorf("clipping.New: %w: ClipBound (%f) and PerParameterClipBounds cannot both be set", checks.ErrConfiguration, opt.ClipBound)
	}
	if len(opt.PerParameterClipBounds) != len(shapes) {
		return nil, fmt.Errorf("clipping.New: %w: PerParameterClipBounds has %d entries for %d parameters", checks.ErrConfiguration, len(opt.PerParameterClipBounds), len(shapes))
	}
	c.perParam = make(map[string]float64, len(shapes))
	var squares float64
	for _, p := range c.params {
		bound, ok := opt.PerParameterClipBounds[p]
		if !ok {
			return nil, fmt.Errorf("clipping.New: %w: no clip bound for parameter %q", checks.ErrConfiguration, p)
		}
		if err := checks.CheckClipBound(fmt.Sprintf("clipping.New (parameter %q)", p), bound); err != nil {
			return nil, err
		}
		c.perParam[p] = bound
		squares += bound * bound
	}
	c.sensitivity = math.Sqrt(squares)
	return c, nil
}

// Sensitivity returns the maximum L2 norm of a single example's contribution
// to the summed gradient.
func (c *Clipper) Sensitivity() float64 {
	return c.sensitivity
}

// Result is the outcome of clipping and summing a batch.
type Result struct {
	// Sum of the clipped per-example gradients, keyed by parameter. Each tensor
	// has the declared shape of its parameter.
	Sum map[string]*tensor.Tensor
	// Number of examples in the batch.
	BatchSize int
	// Number of examples whose gradient was rescaled.
	NumClipped int
}

// Validate checks that batch holds per-example gradients for exactly the
// declared parameters, all for the same number of examples, and returns that
// number.
func (c *Clipper) Validate(batch map[string]*tensor.Tensor) (int, error) {
	if len(batch) != len(c.shapes) {
		return 0, fmt.Errorf("%w: batch has gradients for %d parameters, want %d", tensor.ErrDimensionMismatch, len(batch), len(c.shapes))
	}
	n := -1
	for _, p := range c.params {
		grad, ok := batch[p]
		if !ok || grad == nil {
			return 0, fmt.Errorf("%w: batch has no gradient for parameter %q", tensor.ErrDimensionMismatch, p)
		}
		shape := grad.Shape()
		if len(shape) == 0 || !tensor.EqualShapes(shape[1:], c.shapes[p]) {
			return 0, fmt.Errorf("%w: gradient of parameter %q has shape %v, want [n %v]", tensor.ErrDimensionMismatch, p, shape, c.shapes[p])
		}
		if n >= 0 && shape[0] != n {
			return 0, fmt.Errorf("%w: gradient of parameter %q has %d examples, other parameters have %d", tensor.ErrDimensionMismatch, p, shape[0], n)
		}
		n = shape[0]
	}
	if err := checks.CheckBatchSize("clipping.Validate", n); err != nil {
		return 0, err
	}
	return n, nil
}

// scales returns, for every parameter, the factor by which each example's
// gradient is multiplied, together with the number of clipped examples.
//
// Examples are processed in parallel; each goroutine only writes the entries of
// its own example.
func (c *Clipper) scales(batch map[string]*tensor.Tensor, n int) (map[string][]float64, int, error) {
	scales := make(map[string][]float64, len(c.params))
	for _, p := range c.params {
		scales[p] = make([]float64, n)
	}
	clipped := make([]bool, n)

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			clipped[i] = c.scaleExample(batch, scales, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	numClipped := 0
	for _, cl := range clipped {
		if cl {
			numClipped++
		}
	}
	return scales, numClipped, nil
}

// scaleExample fills in the scale factors of example i and reports whether the
// example was clipped.
func (c *Clipper) scaleExample(batch map[string]*tensor.Tensor, scales map[string][]float64, i int) bool {
	if c.perParam == nil {
		var norm float64
		for _, p := range c.params {
			// Hypot avoids overflowing the sum of squares of large gradients.
			norm = math.Hypot(norm, floats.Norm(batch[p].Row(i), 2))
		}
		s := scaleFor(norm, c.clipBound, i)
		for _, p := range c.params {
			scales[p][i] = s
		}
		return s != 1
	}

	clipped := false
	for _, p := range c.params {
		s := scaleFor(floats.Norm(batch[p].Row(i), 2), c.perParam[p], i)
		scales[p][i] = s
		clipped = clipped || s != 1
	}
	return clipped
}

// scaleFor returns the factor that brings a gradient of the given norm within
// bound. Gradients within the bound, including zero gradients, are left
// unchanged.
func scaleFor(norm, bound float64, example int) float64 {
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		// A non-finite gradient would make the sum non-finite regardless of the
		// other examples. It is dropped so that the remaining examples still get
		// a meaningful update.
		log.Warningf("clipping: gradient of example %d has norm %f, dropping it", example, norm)
		return 0
	}
	if norm <= bound {
		return 1
	}
	return bound / norm
}

// Clip returns the clipped per-example gradients of batch and the number of
// clipped examples. batch is not modified.
func (c *Clipper) Clip(batch map[string]*tensor.Tensor) (map[string]*tensor.Tensor, int, error) {
	n, err := c.Validate(batch)
	if err != nil {
		return nil, 0, err
	}
	scales, numClipped, err := c.scales(batch, n)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]*tensor.Tensor, len(c.params))
	for _, p := range c.params {
		clippedGrad := batch[p].Clone()
		for i, s := range scales[p] {
			if s != 1 {
				floats.Scale(s, clippedGrad.Row(i))
			}
		}
		out[p] = clippedGrad
	}
	return out, numClipped, nil
}

// ClipAndSum clips the gradient of every example of batch and returns the sum
// of the clipped gradients per parameter. batch is not modified.
//
// The contribution of any single example to the returned sum has L2 norm at
// most Sensitivity(), up to floating-point rounding.
func (c *Clipper) ClipAndSum(batch map[string]*tensor.Tensor) (*Result, error) {
	n, err := c.Validate(batch)
	if err != nil {
		return nil, err
	}
	scales, numClipped, err := c.scales(batch, n)
	if err != nil {
		return nil, err
	}

	// The reduction is parallel across parameters: every goroutine owns the sum
	// of one parameter.
	sums := make([]*tensor.Tensor, len(c.params))
	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for j, p := range c.params {
		g.Go(func() error {
			sum, err := batch[p].SumRows(scales[p])
			if err != nil {
				return fmt.Errorf("summing gradients of parameter %q: %w", p, err)
			}
			sums[j] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Sum: make(map[string]*tensor.Tensor, len(c.params)), BatchSize: n, NumClipped: numClipped}
	for j, p := range c.params {
		res.Sum[p] = sums[j]
	}
	return res, nil
}
