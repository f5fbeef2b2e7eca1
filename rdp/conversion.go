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
	"fmt"
	"math"

	log "github.com/golang/glog"
	"github.com/google/differential-privacy/dpsgd/checks"
)

// Budget is an (ε,δ)-differential privacy guarantee derived from an RDP
// guarantee.
type Budget struct {
	Epsilon float64
	Delta   float64
	// BestOrder is the Rényi order at which the conversion attained Epsilon.
	BestOrder float64
	// OrderAtBoundary is true if BestOrder is the smallest or largest order of
	// the grid and Epsilon is positive. Epsilon may then not be tight and the
	// grid should be widened.
	OrderAtBoundary bool
}

// PrivacySpent converts an RDP guarantee, given as the RDP rdp[i] at order
// orders[i], into an (ε,δ)-DP guarantee for the given δ ∈ (0,1).
//
// For each order α the conversion of Balle et al., "Hypothesis Testing
// Interpretations and Renyi Differential Privacy"
// (https://arxiv.org/abs/1905.09982), Theorem 21, is applied:
//
//	ε(α) = rdp(α) + log1p(-1/α) - (log δ + log α)/(α-1),
//
// which is never larger than the classical bound rdp(α) + log(1/δ)/(α-1).
// The returned Epsilon is the minimum of ε(α) over the full grid and is never
// negative. Orders with infinite RDP are ignored; if no order yields a finite
// ε, a NumericInstabilityError is returned.
func PrivacySpent(orders, rdp []float64, delta float64) (Budget, error) {
	if err := checks.CheckOrders("PrivacySpent", orders); err != nil {
		return Budget{}, err
	}
	if err := checks.CheckDeltaStrict("PrivacySpent", delta); err != nil {
		return Budget{}, err
	}
	if len(rdp) != len(orders) {
		return Budget{}, fmt.Errorf("PrivacySpent: got %d RDP values for %d orders", len(rdp), len(orders))
	}

	best := Budget{Epsilon: math.Inf(1), Delta: delta}
	bestIdx := -1
	for i, alpha := range orders {
		r := rdp[i]
		if math.IsNaN(r) || r < 0 {
			return Budget{}, &NumericInstabilityError{Order: alpha, Reason: fmt.Sprintf("RDP is %v", r)}
		}
		if math.IsInf(r, 1) {
			continue
		}
		eps := epsilonAtOrder(alpha, r, delta)
		if math.IsNaN(eps) {
			return Budget{}, &NumericInstabilityError{Order: alpha, Reason: "conversion to (ε,δ) returned NaN"}
		}
		// Strict comparison keeps the smallest order among ties.
		if eps < best.Epsilon {
			best.Epsilon, best.BestOrder, bestIdx = eps, alpha, i
		}
	}
	if bestIdx < 0 || math.IsInf(best.Epsilon, 1) {
		return Budget{}, &NumericInstabilityError{Reason: "no order in the grid yields a finite ε"}
	}
	best.Epsilon = math.Max(best.Epsilon, 0)
	best.OrderAtBoundary = best.Epsilon > 0 && (bestIdx == 0 || bestIdx == len(orders)-1)
	if best.OrderAtBoundary && len(orders) > 1 {
		log.Warningf("PrivacySpent: optimal Rényi order %v is at the boundary of the grid [%v, %v], ε=%v may not be tight",
			best.BestOrder, orders[0], orders[len(orders)-1], best.Epsilon)
	}
	return best, nil
}

func epsilonAtOrder(alpha, rdp, delta float64) float64 {
	if delta*delta+math.Expm1(-rdp) >= 0 {
		// δ ≥ sqrt(1-exp(-rdp)) bounds the total variation distance through the
		// KL divergence, which RDP at any order α > 1 dominates.
		return 0
	}
	return rdp + math.Log1p(-1/alpha) - (math.Log(delta)+math.Log(alpha))/(alpha-1)
}
