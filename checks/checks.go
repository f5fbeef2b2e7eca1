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

// Package checks contains checks for the parameters of differentially private
// training.
//
// Every error returned by this package wraps ErrConfiguration, so that callers
// can tell invalid configurations apart from other failures with errors.Is.
package checks

import (
	"errors"
	"fmt"
	"math"

	log "github.com/golang/glog"
)

// ErrConfiguration is wrapped by every error reporting an invalid parameter.
// An invalid parameter would silently invalidate the privacy guarantee of the
// rest of a training run, so it is always reported at the call that
// introduced it.
var ErrConfiguration = errors.New("invalid configuration")

func configErrorf(label, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", label, ErrConfiguration, fmt.Sprintf(format, args...))
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// CheckClipBound returns an error if the clip bound C is nonpositive or +∞.
func CheckClipBound(label string, clipBound float64) error {
	if clipBound <= 0 || !isFinite(clipBound) {
		return configErrorf(label, "ClipBound is %f, must be strictly positive and finite", clipBound)
	}
	return nil
}

// CheckNoiseMultiplier returns an error if the noise multiplier σ is negative
// or +∞. A noise multiplier of 0 is accepted: it disables noise, and with it
// the privacy guarantee.
func CheckNoiseMultiplier(label string, noiseMultiplier float64) error {
	if noiseMultiplier < 0 || !isFinite(noiseMultiplier) {
		return configErrorf(label, "NoiseMultiplier is %f, must be nonnegative and finite", noiseMultiplier)
	}
	if noiseMultiplier == 0 {
		log.Warningf("%s: NoiseMultiplier is 0, released gradients are not differentially private", label)
	}
	return nil
}

// CheckNoiseMultiplierStrict returns an error if the noise multiplier σ is
// nonpositive or +∞. Privacy accounting requires σ > 0: the Rényi divergence
// of the noiseless mechanism is infinite at every order.
func CheckNoiseMultiplierStrict(label string, noiseMultiplier float64) error {
	if noiseMultiplier <= 0 || !isFinite(noiseMultiplier) {
		return configErrorf(label, "NoiseMultiplier is %f, must be strictly positive and finite for privacy accounting", noiseMultiplier)
	}
	return nil
}

// CheckSampleRate returns an error if the sample rate q is not within (0, 1].
func CheckSampleRate(label string, sampleRate float64) error {
	if math.IsNaN(sampleRate) {
		return configErrorf(label, "SampleRate is %e, cannot be NaN", sampleRate)
	}
	if sampleRate <= 0 || sampleRate > 1 {
		return configErrorf(label, "SampleRate is %e, must be within (0, 1]", sampleRate)
	}
	return nil
}

// CheckEpsilonStrict returns an error if ε is nonpositive or +∞.
func CheckEpsilonStrict(label string, epsilon float64) error {
	if epsilon <= 0 || !isFinite(epsilon) {
		return configErrorf(label, "Epsilon is %f, must be strictly positive and finite", epsilon)
	}
	return nil
}

// CheckDelta returns an error if δ is negative or greater than or equal to 1.
func CheckDelta(label string, delta float64) error {
	if math.IsNaN(delta) {
		return configErrorf(label, "Delta is %e, cannot be NaN", delta)
	}
	if delta < 0 {
		return configErrorf(label, "Delta is %e, cannot be negative", delta)
	}
	if delta >= 1 {
		return configErrorf(label, "Delta is %e, must be strictly less than 1", delta)
	}
	return nil
}

// CheckDeltaStrict returns an error if δ is nonpositive or greater than or equal to 1.
func CheckDeltaStrict(label string, delta float64) error {
	if math.IsNaN(delta) {
		return configErrorf(label, "Delta is %e, cannot be NaN", delta)
	}
	if delta <= 0 {
		return configErrorf(label, "Delta is %e, must be strictly positive", delta)
	}
	if delta >= 1 {
		return configErrorf(label, "Delta is %e, must be strictly less than 1", delta)
	}
	return nil
}

// CheckOrders returns an error if orders is empty, or if it contains an order
// that is not a finite number strictly larger than 1, or if it is not strictly
// increasing.
func CheckOrders(label string, orders []float64) error {
	if len(orders) == 0 {
		return configErrorf(label, "Orders is empty, must contain at least one order > 1")
	}
	for i, alpha := range orders {
		if alpha <= 1 || !isFinite(alpha) {
			return configErrorf(label, "Order %d is %f, must be strictly larger than 1 and finite", i, alpha)
		}
		if i > 0 && alpha <= orders[i-1] {
			return configErrorf(label, "Orders must be strictly increasing, got %f after %f", alpha, orders[i-1])
		}
	}
	return nil
}

// CheckBatchSize returns an error if batchSize is nonpositive.
func CheckBatchSize(label string, batchSize int) error {
	if batchSize <= 0 {
		return configErrorf(label, "BatchSize is %d, must be strictly positive", batchSize)
	}
	return nil
}

// CheckSteps returns an error if steps is nonpositive.
func CheckSteps(label string, steps int64) error {
	if steps <= 0 {
		return configErrorf(label, "Steps is %d, must be strictly positive", steps)
	}
	return nil
}

// CheckParallelism returns an error if parallelism is negative. Zero selects
// the default.
func CheckParallelism(label string, parallelism int) error {
	if parallelism < 0 {
		return configErrorf(label, "Parallelism is %d, cannot be negative", parallelism)
	}
	return nil
}
