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

package checks

import (
	"errors"
	"math"
	"testing"
)

func TestCheckClipBound(t *testing.T) {
	for _, tc := range []struct {
		desc      string
		clipBound float64
		wantErr   bool
	}{
		{"negative clip bound",
			-1,
			true},
		{"zero clip bound",
			0,
			true},
		{"clip bound is NaN",
			math.NaN(),
			true},
		{"clip bound is positive infinity",
			math.Inf(1),
			true},
		{"tiny clip bound",
			math.SmallestNonzeroFloat64,
			false},
		{"positive clip bound",
			1.0,
			false},
	} {
		err := CheckClipBound("test", tc.clipBound)
		if (err != nil) != tc.wantErr {
			t.Errorf("CheckClipBound: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrConfiguration) {
			t.Errorf("CheckClipBound: when %s got %v, want an error wrapping ErrConfiguration", tc.desc, err)
		}
	}
}

func TestCheckNoiseMultiplier(t *testing.T) {
	for _, tc := range []struct {
		desc            string
		noiseMultiplier float64
		wantErr         bool
		wantErrStrict   bool
	}{
		{"negative noise multiplier",
			-0.5,
			true,
			true},
		{"zero noise multiplier",
			0,
			false,
			true},
		{"noise multiplier is NaN",
			math.NaN(),
			true,
			true},
		{"noise multiplier is positive infinity",
			math.Inf(1),
			true,
			true},
		{"positive noise multiplier",
			1.1,
			false,
			false},
	} {
		if err := CheckNoiseMultiplier("test", tc.noiseMultiplier); (err != nil) != tc.wantErr {
			t.Errorf("CheckNoiseMultiplier: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
		if err := CheckNoiseMultiplierStrict("test", tc.noiseMultiplier); (err != nil) != tc.wantErrStrict {
			t.Errorf("CheckNoiseMultiplierStrict: when %s for err got %v, want %t", tc.desc, err, tc.wantErrStrict)
		}
	}
}

func TestCheckSampleRate(t *testing.T) {
	for _, tc := range []struct {
		desc       string
		sampleRate float64
		wantErr    bool
	}{
		{"negative sample rate",
			-0.1,
			true},
		{"zero sample rate",
			0,
			true},
		{"sample rate is NaN",
			math.NaN(),
			true},
		{"sample rate larger than 1",
			1.0000001,
			true},
		{"sample rate is 1",
			1,
			false},
		{"small sample rate",
			1e-9,
			false},
	} {
		if err := CheckSampleRate("test", tc.sampleRate); (err != nil) != tc.wantErr {
			t.Errorf("CheckSampleRate: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
	}
}

func TestCheckEpsilonStrict(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		epsilon float64
		wantErr bool
	}{
		{"negative epsilon",
			-2,
			true},
		{"zero epsilon",
			0,
			true},
		{"epsilon is NaN",
			math.NaN(),
			true},
		{"epsilon is positive infinity",
			math.Inf(1),
			true},
		{"positive epsilon",
			3,
			false},
	} {
		if err := CheckEpsilonStrict("test", tc.epsilon); (err != nil) != tc.wantErr {
			t.Errorf("CheckEpsilonStrict: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
	}
}

func TestCheckDelta(t *testing.T) {
	for _, tc := range []struct {
		desc          string
		delta         float64
		wantErr       bool
		wantErrStrict bool
	}{
		{"negative delta",
			-0.1,
			true,
			true},
		{"zero delta",
			0,
			false,
			true},
		{"delta is NaN",
			math.NaN(),
			true,
			true},
		{"delta is 1",
			1,
			true,
			true},
		{"delta larger than 1",
			2,
			true,
			true},
		{"small delta",
			1e-10,
			false,
			false},
	} {
		if err := CheckDelta("test", tc.delta); (err != nil) != tc.wantErr {
			t.Errorf("CheckDelta: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
		if err := CheckDeltaStrict("test", tc.delta); (err != nil) != tc.wantErrStrict {
			t.Errorf("CheckDeltaStrict: when %s for err got %v, want %t", tc.desc, err, tc.wantErrStrict)
		}
	}
}

func TestCheckOrders(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		orders  []float64
		wantErr bool
	}{
		{"nil orders",
			nil,
			true},
		{"empty orders",
			[]float64{},
			true},
		{"order equal to 1",
			[]float64{1, 2},
			true},
		{"order smaller than 1",
			[]float64{0.5},
			true},
		{"order is NaN",
			[]float64{2, math.NaN()},
			true},
		{"order is infinity",
			[]float64{2, math.Inf(1)},
			true},
		{"decreasing orders",
			[]float64{3, 2},
			true},
		{"duplicate orders",
			[]float64{2, 2},
			true},
		{"single order",
			[]float64{1.5},
			false},
		{"increasing orders",
			[]float64{1.1, 2, 32, 256},
			false},
	} {
		if err := CheckOrders("test", tc.orders); (err != nil) != tc.wantErr {
			t.Errorf("CheckOrders: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
	}
}

func TestCheckBatchSizeAndSteps(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		value   int
		wantErr bool
	}{
		{"negative", -1, true},
		{"zero", 0, true},
		{"positive", 64, false},
	} {
		if err := CheckBatchSize("test", tc.value); (err != nil) != tc.wantErr {
			t.Errorf("CheckBatchSize: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
		if err := CheckSteps("test", int64(tc.value)); (err != nil) != tc.wantErr {
			t.Errorf("CheckSteps: when %s for err got %v, want %t", tc.desc, err, tc.wantErr)
		}
	}
}

func TestCheckParallelism(t *testing.T) {
	if err := CheckParallelism("test", -1); err == nil {
		t.Errorf("CheckParallelism(-1): got nil error, want error")
	}
	if err := CheckParallelism("test", 0); err != nil {
		t.Errorf("CheckParallelism(0): got %v, want nil", err)
	}
}
