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

// Package dpsgd provides a privacy engine for differentially private
// stochastic gradient descent (DP-SGD).
//
// An Engine turns per-example gradients into a privatized batch gradient:
// every example's gradient is clipped, the clipped gradients are summed,
// Gaussian noise calibrated to the clip bound is added to the sum, the result
// is averaged, and the step is recorded with a Rényi DP accountant. The
// engine does not compute gradients or update model parameters.
package dpsgd

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/differential-privacy/dpsgd/accountant"
	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/google/differential-privacy/dpsgd/clipping"
	"github.com/google/differential-privacy/dpsgd/noise"
	"github.com/google/differential-privacy/dpsgd/rdp"
	"github.com/google/differential-privacy/dpsgd/tensor"
	"gonum.org/v1/gonum/floats"
)

// DefaultTargetDelta is the δ used by PrivacySpent when Options.TargetDelta
// is not set.
const DefaultTargetDelta = 1e-6

// Options contains the options necessary to initialize an Engine.
type Options struct {
	// Shapes of the model parameters, keyed by parameter identifier. Required.
	ParameterShapes map[string][]int
	// Maximum L2 norm of an example's gradient over all parameters. Required
	// unless PerParameterClipBounds is set.
	ClipBound float64
	// Maximum L2 norm of an example's gradient per parameter. Optional, see
	// clipping.Options.
	PerParameterClipBounds map[string]float64
	// Ratio of the noise standard deviation to the sensitivity. Required, must
	// be strictly positive.
	NoiseMultiplier float64
	// Probability with which each example is included in a batch, typically
	// batch size divided by dataset size. Required.
	SampleRate float64
	// Rényi orders used for accounting. Defaults to rdp.DefaultOrders().
	Orders []float64
	// δ reported by PrivacySpent. Defaults to DefaultTargetDelta.
	TargetDelta float64
	// Seed of the noise generator. When nil, noise is drawn from a
	// cryptographically secure source and steps are not reproducible.
	Seed *uint64
	// Maximum number of goroutines used for clipping. Defaults to
	// runtime.GOMAXPROCS(0).
	Parallelism int
}

// Engine privatizes gradients and accounts for the privacy they spend.
//
// Engine is safe for concurrent use. Calls to Accumulate and Step are
// serialized; PrivacySpent may be called at any time and reflects all steps
// completed before it.
type Engine struct {
	clipper     *clipping.Clipper
	injector    *noise.Injector
	accountant  *accountant.Accountant
	targetDelta float64

	mu         sync.Mutex
	sampleRate float64
	// Clipped gradients accumulated for the next step.
	pending         map[string]*tensor.Tensor
	pendingExamples int
	pendingClipped  int
}

// NewEngine returns a new Engine.
func NewEngine(opt *Options) (*Engine, error) {
	if opt == nil {
		opt = &Options{} // Prevents panicking due to a nil pointer dereference.
	}
	if err := checks.CheckNoiseMultiplierStrict("NewEngine", opt.NoiseMultiplier); err != nil {
		return nil, err
	}
	if err := checks.CheckSampleRate("NewEngine", opt.SampleRate); err != nil {
		return nil, err
	}
	targetDelta := opt.TargetDelta
	if targetDelta == 0 {
		targetDelta = DefaultTargetDelta
	}
	if err := checks.CheckDeltaStrict("NewEngine", targetDelta); err != nil {
		return nil, err
	}
	clipper, err := clipping.New(&clipping.Options{
		ParameterShapes:        opt.ParameterShapes,
		ClipBound:              opt.ClipBound,
		PerParameterClipBounds: opt.PerParameterClipBounds,
		Parallelism:            opt.Parallelism,
	})
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}
	var gauss noise.Gaussian
	if opt.Seed != nil {
		gauss = noise.Seeded(*opt.Seed)
	} else {
		gauss = noise.Secure()
	}
	injector, err := noise.NewInjector(&noise.InjectorOptions{
		ClipBound:       clipper.Sensitivity(),
		NoiseMultiplier: opt.NoiseMultiplier,
		Noise:           gauss,
	})
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}
	acct, err := accountant.New(&accountant.Options{Orders: opt.Orders})
	if err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}
	return &Engine{
		clipper:     clipper,
		injector:    injector,
		accountant:  acct,
		targetDelta: targetDelta,
		sampleRate:  opt.SampleRate,
	}, nil
}

// Accumulate clips the per-example gradients of batch and adds them to the
// gradients held for the next call to Step, without adding noise or spending
// privacy budget. It allows a logical batch to be processed in several
// micro-batches.
func (e *Engine) Accumulate(batch map[string]*tensor.Tensor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accumulateLocked(batch)
}

func (e *Engine) accumulateLocked(batch map[string]*tensor.Tensor) error {
	res, err := e.clipper.ClipAndSum(batch)
	if err != nil {
		return err
	}
	if e.pending == nil {
		e.pending = res.Sum
	} else {
		for p, s := range res.Sum {
			if err := e.pending[p].Add(s); err != nil {
				return err
			}
		}
	}
	e.pendingExamples += res.BatchSize
	e.pendingClipped += res.NumClipped
	return nil
}

// Step completes one training step. The per-example gradients of batch, if
// any, are clipped and added to the accumulated gradients; the sum is noised
// and divided by the total number of examples; and the step is recorded with
// the accountant. It returns the privatized gradient for each parameter.
//
// batch may be nil if all gradients of the step were passed to Accumulate.
// On error, nothing is recorded with the accountant.
func (e *Engine) Step(batch map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if batch != nil {
		if err := e.accumulateLocked(batch); err != nil {
			return nil, err
		}
	}
	if err := checks.CheckBatchSize("Step", e.pendingExamples); err != nil {
		return nil, err
	}
	grads, err := e.injector.Privatize(e.pending, e.pendingExamples)
	if err != nil {
		return nil, err
	}
	if err := e.accountant.RecordStep(e.sampleRate, e.injector.NoiseMultiplier()); err != nil {
		return nil, err
	}
	if log.V(1) {
		log.Infof("Step %d: %d examples, %d clipped, noise std %v", e.accountant.Steps(), e.pendingExamples, e.pendingClipped, e.injector.StdDev())
	}
	e.resetPendingLocked()
	return grads, nil
}

func (e *Engine) resetPendingLocked() {
	e.pending = nil
	e.pendingExamples = 0
	e.pendingClipped = 0
}

// ZeroGrad discards gradients passed to Accumulate since the last Step.
func (e *Engine) ZeroGrad() {
	e.mu.Lock()
	e.resetPendingLocked()
	e.mu.Unlock()
}

// PrivacySpent returns the privacy spent by all steps so far at the target δ
// of the engine.
func (e *Engine) PrivacySpent() (rdp.Budget, error) {
	return e.accountant.PrivacySpent(e.targetDelta)
}

// PrivacySpentAt returns the privacy spent by all steps so far at the given δ.
func (e *Engine) PrivacySpentAt(delta float64) (rdp.Budget, error) {
	return e.accountant.PrivacySpent(delta)
}

// TargetDelta returns the δ used by PrivacySpent.
func (e *Engine) TargetDelta() float64 {
	return e.targetDelta
}

// Sensitivity returns the L2 sensitivity of a step's gradient sum, which is
// the clip bound for flat clipping.
func (e *Engine) Sensitivity() float64 {
	return e.clipper.Sensitivity()
}

// Accountant returns the accountant of the engine.
func (e *Engine) Accountant() *accountant.Accountant {
	return e.accountant
}

// SetNoiseMultiplier changes the noise multiplier for subsequent steps.
func (e *Engine) SetNoiseMultiplier(noiseMultiplier float64) error {
	if err := checks.CheckNoiseMultiplierStrict("SetNoiseMultiplier", noiseMultiplier); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.injector.SetNoiseMultiplier(noiseMultiplier)
}

// SetSampleRate changes the sample rate recorded for subsequent steps.
func (e *Engine) SetSampleRate(sampleRate float64) error {
	if err := checks.CheckSampleRate("SetSampleRate", sampleRate); err != nil {
		return err
	}
	e.mu.Lock()
	e.sampleRate = sampleRate
	e.mu.Unlock()
	return nil
}

// encodableEngine can be encoded by the gob package.
type encodableEngine struct {
	SampleRate      float64
	NoiseMultiplier float64
	Accountant      *accountant.Accountant
}

// Checkpoint serializes the accounting state of the engine: its current
// sample rate and noise multiplier and the accountant's ledger. It fails if
// gradients have been accumulated since the last Step.
func (e *Engine) Checkpoint() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingExamples > 0 {
		return nil, fmt.Errorf("Checkpoint: %d accumulated examples have not been released by Step", e.pendingExamples)
	}
	enc := encodableEngine{
		SampleRate:      e.sampleRate,
		NoiseMultiplier: e.injector.NoiseMultiplier(),
		Accountant:      e.accountant,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(enc); err != nil {
		return nil, fmt.Errorf("couldn't encode Engine: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the accounting state of the engine with one produced by
// Checkpoint. The checkpoint must track the same Rényi orders as the engine.
// Subsequent privacy queries return exactly what the checkpointed engine
// would have returned.
func (e *Engine) Restore(data []byte) error {
	var enc encodableEngine
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&enc); err != nil {
		return fmt.Errorf("couldn't decode Engine from bytes: %w", err)
	}
	if enc.Accountant == nil {
		return fmt.Errorf("Restore: checkpoint has no accountant")
	}
	if err := checks.CheckSampleRate("Restore", enc.SampleRate); err != nil {
		return err
	}
	if err := checks.CheckNoiseMultiplierStrict("Restore", enc.NoiseMultiplier); err != nil {
		return err
	}
	if !floats.Equal(enc.Accountant.Orders(), e.accountant.Orders()) {
		return fmt.Errorf("Restore: %w: checkpoint tracks orders %v, engine tracks %v", checks.ErrConfiguration, enc.Accountant.Orders(), e.accountant.Orders())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.accountant.SetLedger(enc.Accountant.Ledger()); err != nil {
		return err
	}
	if err := e.injector.SetNoiseMultiplier(enc.NoiseMultiplier); err != nil {
		return err
	}
	e.sampleRate = enc.SampleRate
	e.resetPendingLocked()
	return nil
}
