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

package dpsgd

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/differential-privacy/dpsgd/accountant"
	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/google/differential-privacy/dpsgd/noise"
	"github.com/google/differential-privacy/dpsgd/stattestutils"
	"github.com/google/differential-privacy/dpsgd/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var shapes = map[string][]int{
	"w": {2},
	"b": {},
}

func seed(s uint64) *uint64 { return &s }

func newEngine(t *testing.T, opt *Options) *Engine {
	t.Helper()
	e, err := NewEngine(opt)
	if err != nil {
		t.Fatalf("NewEngine(%+v): %v", opt, err)
	}
	return e
}

func defaultOptions() *Options {
	return &Options{
		ParameterShapes: shapes,
		ClipBound:       1,
		NoiseMultiplier: 1.1,
		SampleRate:      0.01,
		Seed:            seed(7),
	}
}

func mustTensor(t *testing.T, shape []int, data []float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, data)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}
	return x
}

// batchOf returns a batch whose i-th example has gradient w=ws[i], b=bs[i].
func batchOf(t *testing.T, ws [][2]float64, bs []float64) map[string]*tensor.Tensor {
	t.Helper()
	var wData []float64
	for _, w := range ws {
		wData = append(wData, w[0], w[1])
	}
	return map[string]*tensor.Tensor{
		"w": mustTensor(t, []int{len(ws), 2}, wData),
		"b": mustTensor(t, []int{len(bs)}, append([]float64(nil), bs...)),
	}
}

func TestNewEngineRejectsInvalidOptions(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		modify func(*Options)
	}{
		{"zero noise multiplier", func(o *Options) { o.NoiseMultiplier = 0 }},
		{"zero noise multiplier without subsampling", func(o *Options) { o.NoiseMultiplier = 0; o.SampleRate = 1 }},
		{"negative noise multiplier", func(o *Options) { o.NoiseMultiplier = -1 }},
		{"zero sample rate", func(o *Options) { o.SampleRate = 0 }},
		{"sample rate above 1", func(o *Options) { o.SampleRate = 2 }},
		{"zero clip bound", func(o *Options) { o.ClipBound = 0 }},
		{"negative clip bound", func(o *Options) { o.ClipBound = -1 }},
		{"target delta 1", func(o *Options) { o.TargetDelta = 1 }},
		{"negative target delta", func(o *Options) { o.TargetDelta = -1e-5 }},
		{"empty order grid entry", func(o *Options) { o.Orders = []float64{0.5} }},
		{"no parameters", func(o *Options) { o.ParameterShapes = nil }},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			opt := defaultOptions()
			tc.modify(opt)
			if _, err := NewEngine(opt); !errors.Is(err, checks.ErrConfiguration) {
				t.Errorf("NewEngine returned err=%v, want ErrConfiguration", err)
			}
		})
	}
	if _, err := NewEngine(nil); !errors.Is(err, checks.ErrConfiguration) {
		t.Errorf("NewEngine(nil) returned err=%v, want ErrConfiguration", err)
	}
}

func TestStepClipsNoisesAndAverages(t *testing.T) {
	e := newEngine(t, defaultOptions())
	// The first example has norm 5 and is scaled to norm 1, the second has
	// norm 0.5 and is kept.
	batch := batchOf(t, [][2]float64{{3, 0}, {0, 0.3}}, []float64{4, 0.4})
	got, err := e.Step(batch)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	// Reproduce the noise: parameters are noised in lexicographic order.
	g := noise.Seeded(7)
	const stdDev = 1.1
	wantB := g.AddNoise(0.8+0.4, stdDev) / 2
	wantW0 := g.AddNoise(0.6+0, stdDev) / 2
	wantW1 := g.AddNoise(0+0.3, stdDev) / 2
	opt := cmpopts.EquateApprox(1e-12, 1e-12)
	if diff := cmp.Diff([]float64{wantB}, got["b"].Data(), opt); diff != "" {
		t.Errorf("Step()[b] mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{wantW0, wantW1}, got["w"].Data(), opt); diff != "" {
		t.Errorf("Step()[w] mismatch (-want +got):\n%s", diff)
	}
	if !tensor.EqualShapes(got["w"].Shape(), []int{2}) || !tensor.EqualShapes(got["b"].Shape(), nil) {
		t.Errorf("Step() shapes: w=%v b=%v, want [2] and []", got["w"].Shape(), got["b"].Shape())
	}
	want := []accountant.Entry{{SampleRate: 0.01, NoiseMultiplier: 1.1, Steps: 1}}
	if diff := cmp.Diff(want, e.Accountant().Ledger()); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestStepIsReproducibleWithSeed(t *testing.T) {
	run := func() []map[string]*tensor.Tensor {
		e := newEngine(t, defaultOptions())
		var out []map[string]*tensor.Tensor
		for i := 0; i < 3; i++ {
			g, err := e.Step(batchOf(t, [][2]float64{{1, 2}, {-3, 0.5}, {0.1, 0.1}}, []float64{0.5, -2, 0}))
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			out = append(out, g)
		}
		return out
	}
	first, second := run(), run()
	for i := range first {
		for _, p := range []string{"w", "b"} {
			if diff := cmp.Diff(first[i][p].Data(), second[i][p].Data()); diff != "" {
				t.Errorf("step %d, parameter %q differs between identically seeded runs:\n%s", i, p, diff)
			}
		}
	}
}

func TestAccumulateReleasesOneStep(t *testing.T) {
	ws := [][2]float64{{3, 4}, {0.1, -0.2}, {-6, 8}, {0, 0.5}}
	bs := []float64{1, 0.5, 0, -0.25}

	whole := newEngine(t, defaultOptions())
	want, err := whole.Step(batchOf(t, ws, bs))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	split := newEngine(t, defaultOptions())
	if err := split.Accumulate(batchOf(t, ws[:1], bs[:1])); err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	if err := split.Accumulate(batchOf(t, ws[1:3], bs[1:3])); err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	if got := split.Accountant().Steps(); got != 0 {
		t.Errorf("Accumulate recorded %d steps, want 0", got)
	}
	got, err := split.Step(batchOf(t, ws[3:], bs[3:]))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, p := range []string{"w", "b"} {
		if diff := cmp.Diff(want[p].Data(), got[p].Data(), cmpopts.EquateApprox(1e-12, 1e-12)); diff != "" {
			t.Errorf("accumulated Step()[%q] mismatch (-want +got):\n%s", p, diff)
		}
	}
	if got := split.Accountant().Steps(); got != 1 {
		t.Errorf("Steps() = %d, want 1", got)
	}

	// Accumulated gradients may also be released without a final batch.
	if err := split.Accumulate(batchOf(t, ws, bs)); err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	if _, err := split.Step(nil); err != nil {
		t.Fatalf("Step(nil): %v", err)
	}
	if got := split.Accountant().Steps(); got != 2 {
		t.Errorf("Steps() = %d, want 2", got)
	}
}

func TestZeroGrad(t *testing.T) {
	e := newEngine(t, defaultOptions())
	if err := e.Accumulate(batchOf(t, [][2]float64{{1, 1}}, []float64{1})); err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	e.ZeroGrad()
	if _, err := e.Step(nil); !errors.Is(err, checks.ErrConfiguration) {
		t.Errorf("Step(nil) after ZeroGrad returned err=%v, want ErrConfiguration", err)
	}
}

func TestStepRejectsMismatchedBatch(t *testing.T) {
	e := newEngine(t, defaultOptions())
	for _, tc := range []struct {
		desc  string
		batch map[string]*tensor.Tensor
	}{
		{"wrong parameter shape", map[string]*tensor.Tensor{
			"w": mustTensor(t, []int{1, 3}, []float64{1, 2, 3}),
			"b": mustTensor(t, []int{1}, []float64{1}),
		}},
		{"inconsistent batch sizes", map[string]*tensor.Tensor{
			"w": mustTensor(t, []int{2, 2}, []float64{1, 2, 3, 4}),
			"b": mustTensor(t, []int{1}, []float64{1}),
		}},
		{"missing parameter", map[string]*tensor.Tensor{
			"w": mustTensor(t, []int{1, 2}, []float64{1, 2}),
		}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := e.Step(tc.batch); !errors.Is(err, tensor.ErrDimensionMismatch) {
				t.Errorf("Step returned err=%v, want ErrDimensionMismatch", err)
			}
		})
	}
	if got := e.Accountant().Steps(); got != 0 {
		t.Errorf("rejected steps were recorded: Steps() = %d, want 0", got)
	}
}

func TestPrivacySpentAfterTraining(t *testing.T) {
	e := newEngine(t, defaultOptions())
	batch := batchOf(t, [][2]float64{{1, 2}}, []float64{3})
	for i := 0; i < 1000; i++ {
		if _, err := e.Step(batch); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	got, err := e.PrivacySpentAt(1e-5)
	if err != nil {
		t.Fatalf("PrivacySpentAt: %v", err)
	}
	if math.Abs(got.Epsilon-1.7117700912207567) > 1e-6 || got.BestOrder != 9.6 {
		t.Errorf("PrivacySpentAt(1e-5) = %+v, want ε=1.7117700912207567 at order 9.6", got)
	}
	atDefault, err := e.PrivacySpent()
	if err != nil {
		t.Fatalf("PrivacySpent: %v", err)
	}
	if atDefault.Delta != DefaultTargetDelta || atDefault.Epsilon <= got.Epsilon {
		t.Errorf("PrivacySpent() = %+v, want δ=%v and ε larger than %v", atDefault, DefaultTargetDelta, got.Epsilon)
	}
}

func TestHyperparameterPhases(t *testing.T) {
	e := newEngine(t, defaultOptions())
	batch := batchOf(t, [][2]float64{{1, 2}}, []float64{3})
	step := func() {
		t.Helper()
		if _, err := e.Step(batch); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	step()
	step()
	if err := e.SetNoiseMultiplier(2); err != nil {
		t.Fatalf("SetNoiseMultiplier: %v", err)
	}
	step()
	if err := e.SetSampleRate(0.02); err != nil {
		t.Fatalf("SetSampleRate: %v", err)
	}
	step()
	want := []accountant.Entry{
		{SampleRate: 0.01, NoiseMultiplier: 1.1, Steps: 2},
		{SampleRate: 0.01, NoiseMultiplier: 2, Steps: 1},
		{SampleRate: 0.02, NoiseMultiplier: 2, Steps: 1},
	}
	if diff := cmp.Diff(want, e.Accountant().Ledger()); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
	if err := e.SetNoiseMultiplier(0); !errors.Is(err, checks.ErrConfiguration) {
		t.Errorf("SetNoiseMultiplier(0) returned err=%v, want ErrConfiguration", err)
	}
	if err := e.SetSampleRate(0); !errors.Is(err, checks.ErrConfiguration) {
		t.Errorf("SetSampleRate(0) returned err=%v, want ErrConfiguration", err)
	}
}

func TestCheckpointAndRestore(t *testing.T) {
	e := newEngine(t, defaultOptions())
	batch := batchOf(t, [][2]float64{{1, 2}}, []float64{3})
	for i := 0; i < 20; i++ {
		if _, err := e.Step(batch); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if err := e.SetNoiseMultiplier(1.5); err != nil {
		t.Fatalf("SetNoiseMultiplier: %v", err)
	}
	if _, err := e.Step(batch); err != nil {
		t.Fatalf("Step: %v", err)
	}
	data, err := e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	restored := newEngine(t, defaultOptions())
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for _, delta := range []float64{1e-8, 1e-5, 1e-2} {
		want, err := e.PrivacySpentAt(delta)
		if err != nil {
			t.Fatalf("PrivacySpentAt: %v", err)
		}
		got, err := restored.PrivacySpentAt(delta)
		if err != nil {
			t.Fatalf("restored PrivacySpentAt: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("PrivacySpentAt(%v) after Restore mismatch (-want +got):\n%s", delta, diff)
		}
	}
	// The noise multiplier of the last phase is restored too.
	if _, err := restored.Step(batch); err != nil {
		t.Fatalf("Step: %v", err)
	}
	want := []accountant.Entry{
		{SampleRate: 0.01, NoiseMultiplier: 1.1, Steps: 20},
		{SampleRate: 0.01, NoiseMultiplier: 1.5, Steps: 2},
	}
	if diff := cmp.Diff(want, restored.Accountant().Ledger()); diff != "" {
		t.Errorf("ledger after Restore and Step mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointFailures(t *testing.T) {
	e := newEngine(t, defaultOptions())
	if err := e.Accumulate(batchOf(t, [][2]float64{{1, 1}}, []float64{1})); err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	if _, err := e.Checkpoint(); err == nil {
		t.Errorf("Checkpoint with accumulated gradients returned no error")
	}
	e.ZeroGrad()
	data, err := e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	opt := defaultOptions()
	opt.Orders = []float64{2, 4, 8}
	other := newEngine(t, opt)
	if err := other.Restore(data); !errors.Is(err, checks.ErrConfiguration) {
		t.Errorf("Restore with different orders returned err=%v, want ErrConfiguration", err)
	}
	if err := other.Restore([]byte("garbage")); err == nil {
		t.Errorf("Restore(garbage) returned no error")
	}
}

func TestConcurrentStepsAndQueries(t *testing.T) {
	e := newEngine(t, defaultOptions())
	const steps = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		batch := batchOf(t, [][2]float64{{1, 2}, {0.5, 0.5}}, []float64{3, 1})
		for i := 0; i < steps; i++ {
			if _, err := e.Step(batch); err != nil {
				t.Errorf("Step: %v", err)
				return
			}
		}
	}()
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := e.PrivacySpent(); err != nil {
					t.Errorf("PrivacySpent: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := e.Accountant().Steps(); got != steps {
		t.Errorf("Steps() = %d, want %d", got, steps)
	}
}

func TestPerParameterClippingSetsSensitivity(t *testing.T) {
	opt := defaultOptions()
	opt.ClipBound = 0
	opt.PerParameterClipBounds = map[string]float64{"w": 3, "b": 4}
	e := newEngine(t, opt)
	if got := e.Sensitivity(); math.Abs(got-5) > 1e-12 {
		t.Errorf("Sensitivity() = %v, want 5", got)
	}
}

func TestStepNoiseStatistics(t *testing.T) {
	const numberOfSteps = 20000
	opt := defaultOptions()
	opt.ClipBound = 2
	e := newEngine(t, opt)
	// Both examples are clipped to norm 2: their sum is w=(0, 3.2), b=0.
	batch := batchOf(t, [][2]float64{{3, 4}, {-6, 8}}, []float64{0, 0})
	rows := make([][]float64, numberOfSteps)
	for i := range rows {
		g, err := e.Step(batch)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		rows[i] = append(g["w"].Data(), g["b"].Data()...)
	}
	wantMeans := []float64{0, 1.6, 0}
	// Noise of standard deviation σ·C = 2.2 is added to the sum of 2 examples.
	const wantStdDev = 1.1 * 2 / 2
	// The tolerances are the 99.9995% quantiles of the anticipated
	// distributions of the sample mean and variance, see the noise package.
	meanErrorTolerance := 4.41717 * wantStdDev / math.Sqrt(numberOfSteps)
	varianceErrorTolerance := 4.41717 * math.Sqrt2 * wantStdDev * wantStdDev / math.Sqrt(numberOfSteps)
	means, variances := stattestutils.ColumnMeans(rows), stattestutils.ColumnVariances(rows)
	for j := range wantMeans {
		if math.Abs(means[j]-wantMeans[j]) > meanErrorTolerance {
			t.Errorf("coordinate %d: got mean %v, want %v", j, means[j], wantMeans[j])
		}
		if math.Abs(variances[j]-wantStdDev*wantStdDev) > varianceErrorTolerance {
			t.Errorf("coordinate %d: got variance %v, want %v", j, variances[j], wantStdDev*wantStdDev)
		}
	}
}
