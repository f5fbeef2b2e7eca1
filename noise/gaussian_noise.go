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
	"math"
	"sync"

	"github.com/google/differential-privacy/dpsgd/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// The square root of the maximum number n of Bernoulli trials from which a binomial
	// sample is drawn. Larger values result in more fine-grained noise, but increase the
	// chance of sampling inaccuracies due to overflows. The probability of such an event
	// will be roughly 2⁻⁴⁵ or less, if the square root is set to 2⁵⁷.
	binomialBound float64 = math.Exp2(57.0)
	// The absolute bound of the two-sided geometric samples k that are used for creating
	// a binomial sample is m + n / 2. For performance reasons, m is not composed of n
	// Bernoulli trials. Instead, m is obtained via a rejection sampling technique, which sets
	//   m = (k + l) * (sqrt(2 * n) + 1),
	// where l is a uniform random sample between 0 and 1. Bounding k is therefore necessary
	// to prevent m from overflowing.
	//
	// The probability of a single sample k being bounded is 2⁻⁴⁵.
	geometricBound int64 = (math.MaxInt64 / int64(math.Round(math.Sqrt2*binomialBound+1.0))) - 1
)

type secureGaussian struct{}

// Secure returns a Gaussian that draws its randomness from the operating
// system's cryptographically secure generator.
//
// The noise is based on a binomial sampling mechanism that is robust against
// unintentional privacy leaks due to artifacts of floating-point arithmetic. See
// https://github.com/google/differential-privacy/blob/master/common_docs/Secure_Noise_Generation.pdf
// for more information. The noised value is a multiple of a power of two
// that is many orders of magnitude smaller than stdDev.
//
// Secure is safe for concurrent use.
func Secure() Gaussian {
	return secureGaussian{}
}

func (secureGaussian) AddNoise(x, stdDev float64) float64 {
	if stdDev == 0 {
		return x
	}
	granularity := ceilPowerOfTwo(2.0 * stdDev / binomialBound)

	// sqrtN is chosen in a way that places it in the interval between binomialBound
	// and binomialBound / 2. This ensures that the respective binomial distribution
	// consists of enough Bernoulli samples to closely approximate a Gaussian distribution.
	sqrtN := 2.0 * stdDev / granularity
	sample := symmetricBinomial(sqrtN)
	return roundToMultipleOfPowerOfTwo(x, granularity) + float64(sample)*granularity
}

// symmetricBinomial returns a random sample m where the term m + n / 2 is drawn from
// a binomial distribution of n Bernoulli trials that have a success probability of
// 0.5 each. The sampling technique is based on Bringmann et al.'s rejection sampling
// approach proposed in "Internal DLA: Efficient Simulation of a Physical Growth Model"
// (https://people.mpi-inf.mpg.de/~kbringma/paper/2014ICALP.pdf).
func symmetricBinomial(sqrtN float64) int64 {
	stepSize := int64(math.Round(math.Sqrt2*sqrtN + 1.0))
	for {
		// 1 is subtracted from the geometric sample to count the number of Bernoulli fails
		// rather than the number of trials until the first success.
		boundedGeometricSample := int64(math.Min(rand.Geometric()-1.0, float64(geometricBound)))
		twoSidedGeometricSample := boundedGeometricSample
		if rand.Boolean() {
			twoSidedGeometricSample = -twoSidedGeometricSample - 1
		}

		result := stepSize*twoSidedGeometricSample + rand.I63n(stepSize)
		resultProbability := binomialProbability(sqrtN, result)
		rejectProbability := rand.Uniform()
		if resultProbability > 0.0 &&
			rejectProbability < resultProbability*float64(stepSize)*math.Pow(2.0, float64(boundedGeometricSample))/4.0 {
			return result
		}
	}
}

// Approximates the probability of a random sample m + n / 2 drawn from a binomial
// distribution of n Bernoulli trials that have a success probability of 1 / 2 each.
// The approximation is based on Lemma 7 of
// https://github.com/google/differential-privacy/blob/master/common_docs/Secure_Noise_Generation.pdf
func binomialProbability(sqrtN float64, m int64) float64 {
	if math.Abs(float64(m)) > sqrtN*math.Sqrt(math.Log(sqrtN)/2.0) {
		return 0.0
	}
	return (math.Sqrt(2.0/math.Pi) / sqrtN) *
		math.Exp((-2.0*float64(m)*float64(m))/(sqrtN*sqrtN)) *
		(1 - 0.4*math.Pow(2.0, 1.5)*math.Pow(math.Log(sqrtN), 1.5)/sqrtN)
}

// ceilPowerOfTwo returns the smallest power of 2 larger or equal to x. The
// value of x must be a finite positive number not greater than 2^1023,
// otherwise NaN is returned.
func ceilPowerOfTwo(x float64) float64 {
	if x <= 0.0 || math.IsInf(x, 0) || math.IsNaN(x) {
		return math.NaN()
	}
	frac, exp := math.Frexp(x)
	// x = frac·2^exp with frac in [0.5, 1); x is a power of two iff frac is 0.5.
	if frac == 0.5 {
		return x
	}
	if exp > 1023 {
		return math.NaN()
	}
	return math.Ldexp(1, exp)
}

// roundToMultipleOfPowerOfTwo returns a multiple of granularity that is
// closest to x. The value of granularity needs to be an exact power of 2,
// otherwise the result might not be exact.
func roundToMultipleOfPowerOfTwo(x, granularity float64) float64 {
	return math.Round(x/granularity) * granularity
}

type seededGaussian struct {
	mu     sync.Mutex
	normal distuv.Normal
}

// Seeded returns a Gaussian whose samples are fully determined by seed. Two
// Gaussians created with the same seed and asked for noise in the same order
// return identical values.
//
// Seeded noise is meant for reproducible experiments and tests; use Secure
// for releasing models trained on sensitive data.
func Seeded(seed uint64) Gaussian {
	return &seededGaussian{normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}}
}

func (g *seededGaussian) AddNoise(x, stdDev float64) float64 {
	if stdDev == 0 {
		return x
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return x + stdDev*g.normal.Rand()
}

// DeltaForGaussian computes the smallest δ such that a single application of
// the Gaussian mechanism with noise multiplier σ (i.e. noise standard
// deviation σ times the L2 sensitivity) is (ε,δ)-differentially private. The
// calculation is based on Theorem 8 of Balle and Wang's "Improving the Gaussian
// Mechanism for Differential Privacy: Analytical Calibration and Optimal
// Denoising" (https://arxiv.org/abs/1805.06530v2).
//
// The value is exact for one unsubsampled step and serves as a lower bound for
// what any accountant can certify for that step.
func DeltaForGaussian(noiseMultiplier, epsilon float64) float64 {
	// Defining
	//   Φ – Standard Gaussian distribution (mean: 0, variance: 1) CDF function
	//   δ(σ,ε) – The level of (ε,δ)-approximate differential privacy achieved
	//            by the Gaussian mechanism with noise multiplier σ
	// The tight choice of δ (see https://arxiv.org/abs/1805.06530v2, Theorem 8) is:
	//   δ(σ,ε) := Φ(1/(2σ) - εσ) - exp(ε)Φ(-1/(2σ) - εσ)
	// We pull out terms a := 1/(2σ), b := εσ, c := exp(ε)
	// so that δ(σ,ε) = Φ(a - b) - cΦ(-a - b)
	a := 1 / (2 * noiseMultiplier)
	b := epsilon * noiseMultiplier
	c := math.Exp(epsilon)

	if math.IsInf(c, +1) {
		// δ(σ,ε) –> 0 as ε –> ∞, so return 0.
		return 0
	}
	if math.IsInf(b, +1) {
		// δ(σ,ε) –> 0 as σ –> ∞, so return 0.
		return 0
	}
	return distuv.UnitNormal.CDF(a-b) - c*distuv.UnitNormal.CDF(-a-b)
}
