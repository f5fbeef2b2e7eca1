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

package rdp

import (
	"errors"
	"fmt"

	"github.com/google/differential-privacy/dpsgd/checks"
)

const (
	// noiseMultiplierAccuracy is the relative accuracy to which
	// NoiseMultiplierForEpsilon determines the smallest sufficient noise
	// multiplier.
	noiseMultiplierAccuracy = 1e-4
	// Noise multipliers are searched in [minNoiseMultiplier, maxNoiseMultiplier].
	minNoiseMultiplier = 1e-3
	maxNoiseMultiplier = 1e6
)

// Epsilon returns the ε spent by steps applications of the sampled Gaussian
// mechanism for the given δ, minimized over orders.
func Epsilon(sampleRate, noiseMultiplier float64, steps int64, delta float64, orders []float64) (Budget, error) {
	rdp, err := ComputeRDP(sampleRate, noiseMultiplier, steps, orders)
	if err != nil {
		return Budget{}, err
	}
	b, err := PrivacySpent(orders, rdp, delta)
	var e *NumericInstabilityError
	if errors.As(err, &e) {
		e.Steps, e.SampleRate, e.NoiseMultiplier = steps, sampleRate, noiseMultiplier
	}
	return b, err
}

// NoiseMultiplierForEpsilon returns a noise multiplier σ such that steps
// applications of the sampled Gaussian mechanism with sampling rate q and
// noise multiplier σ are (ε,δ)-differentially private. The returned σ is
// within a relative accuracy of 1e-4 of the smallest such noise multiplier.
func NoiseMultiplierForEpsilon(epsilon, delta, sampleRate float64, steps int64, orders []float64) (float64, error) {
	if err := checks.CheckEpsilonStrict("NoiseMultiplierForEpsilon", epsilon); err != nil {
		return 0, err
	}
	if err := checks.CheckDeltaStrict("NoiseMultiplierForEpsilon", delta); err != nil {
		return 0, err
	}
	// exceeds reports whether σ is too small to reach the target.
	exceeds := func(sigma float64) (bool, error) {
		b, err := Epsilon(sampleRate, sigma, steps, delta, orders)
		if err != nil {
			return false, err
		}
		return b.Epsilon > epsilon, nil
	}

	lowerBound, upperBound := 0.0, 1.0
	// Epsilon is a nonincreasing function of σ. Double upperBound until it is
	// sufficient.
	for {
		tooSmall, err := exceeds(upperBound)
		if err != nil {
			return 0, err
		}
		if !tooSmall {
			break
		}
		lowerBound = upperBound
		upperBound *= 2
		if upperBound > maxNoiseMultiplier {
			return 0, fmt.Errorf("NoiseMultiplierForEpsilon: no noise multiplier up to %v reaches ε=%v for δ=%v", maxNoiseMultiplier, epsilon, delta)
		}
	}
	if lowerBound == 0 {
		// Halve upperBound until it is no longer sufficient.
		for {
			if upperBound/2 < minNoiseMultiplier {
				return upperBound, nil
			}
			tooSmall, err := exceeds(upperBound / 2)
			if err != nil {
				return 0, err
			}
			if tooSmall {
				lowerBound = upperBound / 2
				break
			}
			upperBound /= 2
		}
	}
	// Invariant: lowerBound is too small, upperBound is sufficient.
	for upperBound-lowerBound > noiseMultiplierAccuracy*lowerBound {
		middle := lowerBound*0.5 + upperBound*0.5
		tooSmall, err := exceeds(middle)
		if err != nil {
			return 0, err
		}
		if tooSmall {
			lowerBound = middle
		} else {
			upperBound = middle
		}
	}
	return upperBound, nil
}
