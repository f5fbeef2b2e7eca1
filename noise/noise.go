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

// Package noise contains the Gaussian mechanisms that randomize clipped
// gradient sums, and the Injector that applies them to a training step.
package noise

// Gaussian is a source of zero-mean Gaussian noise.
type Gaussian interface {
	// AddNoise returns x perturbed by a sample of N(0, stdDev²). A stdDev of 0
	// returns x unchanged.
	AddNoise(x, stdDev float64) float64
}
