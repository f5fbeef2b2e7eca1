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

// Package rdp computes the Rényi differential privacy (RDP) of the sampled
// Gaussian mechanism and converts RDP guarantees into (ε,δ)-differential
// privacy.
//
// The computation follows Mironov, Talwar and Zhang, "Rényi Differential
// Privacy of the Sampled Gaussian Mechanism" (https://arxiv.org/abs/1908.10530).
// All intermediate quantities are kept in log space.
package rdp

import (
	"fmt"
	"math"

	"github.com/google/differential-privacy/dpsgd/checks"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/combin"
)

const (
	// The series for fractional orders is truncated once both of its current
	// terms drop below exp(seriesCutoff).
	seriesCutoff = -30.0
	// maxSeriesTerms bounds the number of terms evaluated for a fractional
	// order. Exceeding it is reported as a NumericInstabilityError.
	maxSeriesTerms = 1 << 20
)

// DefaultOrders returns the default grid of Rényi orders: 1.1, 1.2, …, 10.9
// followed by the integers 12 to 63.
func DefaultOrders() []float64 {
	orders := make([]float64, 0, 99+52)
	for i := 1; i < 100; i++ {
		orders = append(orders, 1+float64(i)/10)
	}
	for a := 12; a < 64; a++ {
		orders = append(orders, float64(a))
	}
	return orders
}

// ComputeRDP returns, for each order α in orders, the RDP of steps
// applications of the sampled Gaussian mechanism with sampling rate q and
// noise multiplier σ. Consecutive applications compose additively, so the
// result is steps times the RDP of a single application.
//
// A noise multiplier of 0 is rejected with checks.ErrConfiguration, since its
// RDP is infinite at every order.
func ComputeRDP(sampleRate, noiseMultiplier float64, steps int64, orders []float64) ([]float64, error) {
	if err := checks.CheckSampleRate("ComputeRDP", sampleRate); err != nil {
		return nil, err
	}
	if err := checks.CheckNoiseMultiplierStrict("ComputeRDP", noiseMultiplier); err != nil {
		return nil, err
	}
	if err := checks.CheckSteps("ComputeRDP", steps); err != nil {
		return nil, err
	}
	if err := checks.CheckOrders("ComputeRDP", orders); err != nil {
		return nil, err
	}
	rdp := make([]float64, len(orders))
	for i, alpha := range orders {
		r, err := singleStepRDP(sampleRate, noiseMultiplier, alpha)
		if err != nil {
			return nil, &NumericInstabilityError{
				Order:           alpha,
				Steps:           steps,
				SampleRate:      sampleRate,
				NoiseMultiplier: noiseMultiplier,
				Reason:          err.Error(),
			}
		}
		rdp[i] = r * float64(steps)
	}
	return rdp, nil
}

// singleStepRDP returns the RDP at order alpha of one application of the
// sampled Gaussian mechanism. The result is finite and nonnegative, or an
// error is returned.
func singleStepRDP(q, sigma, alpha float64) (float64, error) {
	if q == 1 {
		// Without subsampling, this is the RDP of the Gaussian mechanism.
		return alpha / (2 * sigma * sigma), nil
	}
	var logA float64
	var err error
	if alpha == math.Trunc(alpha) {
		logA, err = logAInt(q, sigma, alpha)
	} else {
		logA, err = logAFrac(q, sigma, alpha)
	}
	if err != nil {
		return 0, err
	}
	r := logA / (alpha - 1)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, fmt.Errorf("log-space evaluation returned %v", r)
	}
	// A is at least 1 mathematically; rounding can push log(A) slightly below 0.
	return math.Max(r, 0), nil
}

// logAInt computes log(A_α) for an integer order α by summing the binomial
// expansion
//
//	A_α = Σ_{i=0..α} C(α,i) q^i (1-q)^(α-i) exp((i²-i)/(2σ²)).
func logAInt(q, sigma, alpha float64) (float64, error) {
	n := int(alpha)
	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	terms := make([]float64, n+1)
	for i := 0; i <= n; i++ {
		fi := float64(i)
		terms[i] = combin.LogGeneralizedBinomial(alpha, fi) +
			fi*logQ + (alpha-fi)*log1mQ +
			(fi*fi-fi)/(2*sigma*sigma)
	}
	logA := floats.LogSumExp(terms)
	if math.IsNaN(logA) || math.IsInf(logA, 0) {
		return 0, fmt.Errorf("binomial expansion at order %v is %v", alpha, logA)
	}
	return logA, nil
}

// logAFrac computes log(A_α) for a fractional order α by evaluating the two
// convergent series of Section 3.3 of Mironov et al. The generalized binomial
// coefficients C(α,i) change sign once i exceeds α, so terms are added or
// subtracted in log space accordingly.
func logAFrac(q, sigma, alpha float64) (float64, error) {
	logA0, logA1 := math.Inf(-1), math.Inf(-1)
	logQ, log1mQ := math.Log(q), math.Log1p(-q)
	z0 := sigma*sigma*math.Log(1/q-1) + 0.5
	twoSigmaSq := 2 * sigma * sigma

	// log|C(α,i)| and the sign of C(α,i), updated incrementally from
	// C(α,i+1) = C(α,i)·(α-i)/(i+1).
	logCoef, positive := 0.0, true
	for i := 0; i < maxSeriesTerms; i++ {
		fi := float64(i)
		j := alpha - fi

		logT0 := logCoef + fi*logQ + j*log1mQ
		logT1 := logCoef + j*logQ + fi*log1mQ
		logE0 := math.Log(0.5) + logErfc((fi-z0)/(math.Sqrt2*sigma))
		logE1 := math.Log(0.5) + logErfc((z0-j)/(math.Sqrt2*sigma))
		logS0 := logT0 + (fi*fi-fi)/twoSigmaSq + logE0
		logS1 := logT1 + (j*j-j)/twoSigmaSq + logE1

		var err0, err1 error
		if positive {
			logA0, logA1 = logAdd(logA0, logS0), logAdd(logA1, logS1)
		} else {
			logA0, err0 = logSub(logA0, logS0)
			logA1, err1 = logSub(logA1, logS1)
		}
		if err0 != nil {
			return 0, err0
		}
		if err1 != nil {
			return 0, err1
		}
		if math.IsNaN(logS0) || math.IsNaN(logS1) {
			return 0, fmt.Errorf("series term %d at order %v is NaN", i, alpha)
		}
		if math.Max(logS0, logS1) < seriesCutoff {
			return logAdd(logA0, logA1), nil
		}

		ratio := alpha - fi
		if ratio < 0 {
			positive = !positive
		}
		logCoef += math.Log(math.Abs(ratio)) - math.Log(fi+1)
	}
	return 0, fmt.Errorf("series at order %v did not converge within %d terms", alpha, maxSeriesTerms)
}

// logAdd returns log(exp(x) + exp(y)).
func logAdd(x, y float64) float64 {
	a, b := math.Min(x, y), math.Max(x, y)
	if math.IsInf(a, -1) {
		return b
	}
	return math.Log1p(math.Exp(a-b)) + b
}

// logSub returns log(exp(x) - exp(y)) for x ≥ y.
func logSub(x, y float64) (float64, error) {
	if x < y {
		return 0, fmt.Errorf("log-space subtraction would be negative: log(exp(%v) - exp(%v))", x, y)
	}
	if math.IsInf(y, -1) {
		return x, nil
	}
	if x == y {
		return math.Inf(-1), nil
	}
	d := math.Expm1(x - y)
	if math.IsInf(d, 1) {
		return x, nil
	}
	return math.Log(d) + y, nil
}

// logErfc returns log(erfc(x)). Where erfc underflows, the asymptotic
// expansion of erfc for large x is used instead.
func logErfc(x float64) float64 {
	r := math.Erfc(x)
	if r > 0 {
		return math.Log(r)
	}
	x2 := x * x
	return -math.Log(math.Pi)/2 - math.Log(x) - x2 -
		0.5/x2 + 0.625/(x2*x2) - 37.0/24.0/(x2*x2*x2) + 353.0/64.0/(x2*x2*x2*x2)
}
