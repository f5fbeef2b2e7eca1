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

// This is a command line utility which computes the privacy guarantee of
// training with DP-SGD, or the noise multiplier needed for a target ε.
// Usage examples:
// go run ./cmd/dpsgd_privacy --N=60000 --batch_size=256 --noise_multiplier=1.1 --epochs=60 --delta=1e-5
// go run ./cmd/dpsgd_privacy --N=60000 --batch_size=256 --target_epsilon=3 --epochs=60 --delta=1e-5
package main

import (
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/google/differential-privacy/dpsgd/rdp"
)

var (
	n               = flag.Int64("N", 0, "Total number of examples in the training data.")
	batchSize       = flag.Int64("batch_size", 0, "Expected number of examples per batch.")
	noiseMultiplier = flag.Float64("noise_multiplier", 0, "Ratio of the noise standard deviation to the clip bound. Ignored if --target_epsilon is set.")
	epochs          = flag.Float64("epochs", 0, "Number of passes over the training data.")
	delta           = flag.Float64("delta", 1e-6, "Target δ.")
	targetEpsilon   = flag.Float64("target_epsilon", 0, "If positive, the smallest noise multiplier reaching this ε is computed.")
	ordersFlag      = flag.String("orders", "", "Comma separated Rényi orders. Defaults to 1.1, 1.2, …, 10.9, 12, …, 63.")
)

func main() {
	flag.Parse()

	if *n <= 0 {
		log.Exit("--N must be positive")
	}
	if *batchSize <= 0 || *batchSize > *n {
		log.Exitf("--batch_size is %d, must be in (0, %d]", *batchSize, *n)
	}
	if *epochs <= 0 || math.IsInf(*epochs, 0) || math.IsNaN(*epochs) {
		log.Exitf("--epochs is %v, must be positive and finite", *epochs)
	}
	orders, err := parseOrders(*ordersFlag)
	if err != nil {
		log.Exitf("Couldn't parse --orders, err = %v", err)
	}

	sampleRate := float64(*batchSize) / float64(*n)
	steps := int64(math.Ceil(*epochs * float64(*n) / float64(*batchSize)))
	log.Infof("DP-SGD with sampling rate = %v and %d steps", sampleRate, steps)

	sigma := *noiseMultiplier
	if *targetEpsilon > 0 {
		sigma, err = rdp.NoiseMultiplierForEpsilon(*targetEpsilon, *delta, sampleRate, steps, orders)
		if err != nil {
			log.Exitf("Couldn't calibrate the noise multiplier, err = %v", err)
		}
		fmt.Printf("Noise multiplier for ε = %v: %v\n", *targetEpsilon, sigma)
	}

	b, err := rdp.Epsilon(sampleRate, sigma, steps, *delta, orders)
	if err != nil {
		log.Exitf("Couldn't compute the privacy spent, err = %v", err)
	}
	fmt.Printf("DP-SGD with noise multiplier %v satisfies (%v, %v)-differential privacy, optimal Rényi order %v\n", sigma, b.Epsilon, b.Delta, b.BestOrder)
	if b.OrderAtBoundary {
		fmt.Println("The optimal order is at the boundary of the order grid; ε may be tightened with a wider grid.")
	}
}

func parseOrders(s string) ([]float64, error) {
	if s == "" {
		return rdp.DefaultOrders(), nil
	}
	var orders []float64
	for _, f := range strings.Split(s, ",") {
		o, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
