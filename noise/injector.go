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

package noise

import (
	"fmt"
	"sync"

	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/google/differential-privacy/dpsgd/tensor"
	"gonum.org/v1/gonum/floats"
)

// InjectorOptions contains the options necessary to initialize an Injector.
type InjectorOptions struct {
	// L2 sensitivity of the gradient sums that will be privatized, i.e. the
	// bound enforced by the clipper. Required.
	ClipBound float64
	// Ratio of the noise standard deviation to ClipBound. A value of 0 is
	// accepted but provides no privacy.
	NoiseMultiplier float64
	// Source of Gaussian noise. Defaults to Secure().
	Noise Gaussian
}

// Injector randomizes clipped gradient sums with Gaussian noise of standard
// deviation NoiseMultiplier·ClipBound and averages them over the batch.
//
// Injector is safe for concurrent use. Noise for a single call to Privatize
// is drawn in a deterministic order, so a seeded Gaussian yields reproducible
// outputs as long as calls are not interleaved.
type Injector struct {
	mu              sync.RWMutex
	clipBound       float64
	noiseMultiplier float64
	noise           Gaussian
}

// NewInjector returns a new Injector.
func NewInjector(opt *InjectorOptions) (*Injector, error) {
	if opt == nil {
		opt = &InjectorOptions{}
	}
	if err := checks.CheckClipBound("NewInjector", opt.ClipBound); err != nil {
		return nil, err
	}
	if err := checks.CheckNoiseMultiplier("NewInjector", opt.NoiseMultiplier); err != nil {
		return nil, err
	}
	n := opt.Noise
	if n == nil {
		n = Secure()
	}
	return &Injector{clipBound: opt.ClipBound, noiseMultiplier: opt.NoiseMultiplier, noise: n}, nil
}

// NoiseMultiplier returns the current noise multiplier.
func (inj *Injector) NoiseMultiplier() float64 {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	return inj.noiseMultiplier
}

// StdDev returns the standard deviation of the noise added to each
// coordinate of a sum.
func (inj *Injector) StdDev() float64 {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	return inj.noiseMultiplier * inj.clipBound
}

// SetNoiseMultiplier changes the noise multiplier for subsequent calls.
func (inj *Injector) SetNoiseMultiplier(noiseMultiplier float64) error {
	if err := checks.CheckNoiseMultiplier("SetNoiseMultiplier", noiseMultiplier); err != nil {
		return err
	}
	inj.mu.Lock()
	inj.noiseMultiplier = noiseMultiplier
	inj.mu.Unlock()
	return nil
}

// Privatize adds independent noise to every coordinate of each summed
// gradient and divides the result by batchSize. Noise is always added to the
// sum before averaging. The input tensors are not modified.
//
// Parameters are processed in lexicographic order of their names.
func (inj *Injector) Privatize(sum map[string]*tensor.Tensor, batchSize int) (map[string]*tensor.Tensor, error) {
	if err := checks.CheckBatchSize("Privatize", batchSize); err != nil {
		return nil, err
	}
	inj.mu.RLock()
	stdDev := inj.noiseMultiplier * inj.clipBound
	inj.mu.RUnlock()

	out := make(map[string]*tensor.Tensor, len(sum))
	for _, p := range tensor.SortedKeys(sum) {
		s := sum[p]
		if s == nil {
			return nil, fmt.Errorf("Privatize: %w: sum for parameter %q is nil", tensor.ErrDimensionMismatch, p)
		}
		noised := s.Clone()
		data := noised.Data()
		for i, v := range data {
			data[i] = inj.noise.AddNoise(v, stdDev)
		}
		floats.Scale(1/float64(batchSize), data)
		out[p] = noised
	}
	return out, nil
}
