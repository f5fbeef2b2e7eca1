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

import "fmt"

// NumericInstabilityError reports that the log-space evaluation of an RDP
// bound produced a non-finite or otherwise invalid result for valid inputs.
// It indicates that the order grid or the noise multiplier lies outside the
// numerically safe range.
type NumericInstabilityError struct {
	// Order is the Rényi order at which the evaluation failed. It is 0 when
	// no single order is to blame.
	Order float64
	// Steps is the number of steps being accounted for, or 0 if unknown.
	Steps           int64
	SampleRate      float64
	NoiseMultiplier float64
	Reason          string
}

func (e *NumericInstabilityError) Error() string {
	return fmt.Sprintf("numeric instability in RDP computation at order %v (steps=%d, sample rate=%v, noise multiplier=%v): %s",
		e.Order, e.Steps, e.SampleRate, e.NoiseMultiplier, e.Reason)
}
