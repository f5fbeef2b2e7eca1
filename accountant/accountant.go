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

// Package accountant tracks the privacy cost of a training run as a ledger of
// sampled Gaussian mechanism applications and reports the composed Rényi
// differential privacy and (ε,δ) guarantees on demand.
package accountant

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/google/differential-privacy/dpsgd/rdp"
	"gonum.org/v1/gonum/floats"
)

// Entry records that the sampled Gaussian mechanism with the given sampling
// rate and noise multiplier was applied Steps times in a row.
type Entry struct {
	SampleRate      float64
	NoiseMultiplier float64
	Steps           int64
}

// Options contains the options necessary to initialize an Accountant.
type Options struct {
	// Rényi orders at which RDP is tracked. Defaults to rdp.DefaultOrders().
	Orders []float64
}

type mechanism struct {
	sampleRate, noiseMultiplier float64
}

// Accountant is a Rényi differential privacy accountant for DP-SGD.
//
// The ledger is the only state; RDP and (ε,δ) are recomputed on every query.
// Accountant is safe for concurrent use: queries read a consistent snapshot
// of the ledger while steps are being recorded.
type Accountant struct {
	orders []float64

	mu     sync.RWMutex
	ledger []Entry

	cache *rdpCache
}

// rdpCache holds the single-step RDP at the accountant's orders, per
// mechanism. It is shared between an accountant and its snapshots.
type rdpCache struct {
	mu sync.Mutex
	m  map[mechanism][]float64
}

// New returns a new Accountant with an empty ledger.
func New(opt *Options) (*Accountant, error) {
	if opt == nil {
		opt = &Options{}
	}
	orders := opt.Orders
	if len(orders) == 0 {
		orders = rdp.DefaultOrders()
	}
	if err := checks.CheckOrders("accountant.New", orders); err != nil {
		return nil, err
	}
	return &Accountant{
		orders: append([]float64(nil), orders...),
		cache:  &rdpCache{m: make(map[mechanism][]float64)},
	}, nil
}

// Orders returns the Rényi orders tracked by a.
func (a *Accountant) Orders() []float64 {
	return append([]float64(nil), a.orders...)
}

// RecordStep records one application of the sampled Gaussian mechanism with
// sampling rate q and noise multiplier σ. It is coalesced with the last entry
// of the ledger if that entry has the same q and σ.
//
// σ = 0 is rejected with checks.ErrConfiguration.
func (a *Accountant) RecordStep(sampleRate, noiseMultiplier float64) error {
	return a.RecordSteps(sampleRate, noiseMultiplier, 1)
}

// RecordSteps records steps consecutive applications of the sampled Gaussian
// mechanism. It is equivalent to calling RecordStep steps times.
func (a *Accountant) RecordSteps(sampleRate, noiseMultiplier float64, steps int64) error {
	if err := checks.CheckSampleRate("RecordStep", sampleRate); err != nil {
		return err
	}
	if err := checks.CheckNoiseMultiplierStrict("RecordStep", noiseMultiplier); err != nil {
		return err
	}
	if err := checks.CheckSteps("RecordStep", steps); err != nil {
		return err
	}
	a.mu.Lock()
	a.ledger = appendEntry(a.ledger, Entry{SampleRate: sampleRate, NoiseMultiplier: noiseMultiplier, Steps: steps})
	a.mu.Unlock()
	return nil
}

func appendEntry(ledger []Entry, e Entry) []Entry {
	if n := len(ledger); n > 0 {
		last := &ledger[n-1]
		if last.SampleRate == e.SampleRate && last.NoiseMultiplier == e.NoiseMultiplier {
			last.Steps += e.Steps
			return ledger
		}
	}
	return append(ledger, e)
}

// Ledger returns a copy of the ledger.
func (a *Accountant) Ledger() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Entry(nil), a.ledger...)
}

// Steps returns the total number of recorded steps.
func (a *Accountant) Steps() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var steps int64
	for _, e := range a.ledger {
		steps += e.Steps
	}
	return steps
}

// SetLedger replaces the ledger of a with a copy of ledger, for instance
// when resuming from a checkpoint. Entries are validated as if they had been
// recorded with RecordSteps; on error the ledger is left unchanged.
func (a *Accountant) SetLedger(ledger []Entry) error {
	if err := validateLedger("SetLedger", ledger); err != nil {
		return err
	}
	a.mu.Lock()
	a.ledger = append([]Entry(nil), ledger...)
	a.mu.Unlock()
	return nil
}

func validateLedger(label string, ledger []Entry) error {
	for _, e := range ledger {
		if err := checks.CheckSampleRate(label, e.SampleRate); err != nil {
			return err
		}
		if err := checks.CheckNoiseMultiplierStrict(label, e.NoiseMultiplier); err != nil {
			return err
		}
		if err := checks.CheckSteps(label, e.Steps); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns an accountant with the same orders and a copy of the
// current ledger. Steps recorded with a afterwards do not affect the
// snapshot.
func (a *Accountant) Snapshot() *Accountant {
	return &Accountant{orders: a.orders, ledger: a.Ledger(), cache: a.cache}
}

// Reset clears the ledger.
func (a *Accountant) Reset() {
	a.mu.Lock()
	a.ledger = nil
	a.mu.Unlock()
}

// Merge appends the ledger of other to the ledger of a. RDP composes
// additively, so the merged accountant reports the privacy cost of running
// both sequences of steps. Both accountants must track the same orders.
func (a *Accountant) Merge(other *Accountant) error {
	if other == nil {
		return nil
	}
	if !floats.Equal(a.orders, other.orders) {
		return fmt.Errorf("Merge: %w: accountants track different orders", checks.ErrConfiguration)
	}
	entries := other.Ledger()
	a.mu.Lock()
	for _, e := range entries {
		a.ledger = appendEntry(a.ledger, e)
	}
	a.mu.Unlock()
	return nil
}

// ComputeRDP returns the composed RDP of the ledger at each of a's orders.
// An empty ledger has RDP 0 at every order.
func (a *Accountant) ComputeRDP() ([]float64, error) {
	return a.compute(a.orders, true)
}

// ComputeRDPAt returns the composed RDP of the ledger at each of the given
// orders.
func (a *Accountant) ComputeRDPAt(orders []float64) ([]float64, error) {
	if err := checks.CheckOrders("ComputeRDPAt", orders); err != nil {
		return nil, err
	}
	return a.compute(orders, false)
}

func (a *Accountant) compute(orders []float64, cached bool) ([]float64, error) {
	ledger := a.Ledger()
	total := make([]float64, len(orders))
	for _, e := range ledger {
		var single []float64
		var err error
		if cached {
			single, err = a.singleStep(e)
		} else {
			single, err = rdp.ComputeRDP(e.SampleRate, e.NoiseMultiplier, 1, orders)
		}
		if err != nil {
			var nie *rdp.NumericInstabilityError
			if errors.As(err, &nie) {
				withSteps := *nie
				withSteps.Steps = e.Steps
				return nil, &withSteps
			}
			return nil, err
		}
		floats.AddScaled(total, float64(e.Steps), single)
	}
	return total, nil
}

func (a *Accountant) singleStep(e Entry) ([]float64, error) {
	key := mechanism{e.SampleRate, e.NoiseMultiplier}
	if a.cache != nil {
		a.cache.mu.Lock()
		single, ok := a.cache.m[key]
		a.cache.mu.Unlock()
		if ok {
			return single, nil
		}
	}
	single, err := rdp.ComputeRDP(e.SampleRate, e.NoiseMultiplier, 1, a.orders)
	if err != nil || a.cache == nil {
		return single, err
	}
	a.cache.mu.Lock()
	a.cache.m[key] = single
	a.cache.mu.Unlock()
	return single, nil
}

// PrivacySpent returns the (ε,δ) guarantee of the ledger for the given
// δ ∈ (0,1), minimized over a's orders.
func (a *Accountant) PrivacySpent(delta float64) (rdp.Budget, error) {
	if err := checks.CheckDeltaStrict("PrivacySpent", delta); err != nil {
		return rdp.Budget{}, err
	}
	r, err := a.ComputeRDP()
	if err != nil {
		return rdp.Budget{}, err
	}
	b, err := rdp.PrivacySpent(a.orders, r, delta)
	if err != nil {
		var nie *rdp.NumericInstabilityError
		if errors.As(err, &nie) {
			nie.Steps = a.Steps()
		}
		return rdp.Budget{}, err
	}
	log.V(2).Infof("PrivacySpent: ε=%v at order %v for δ=%v", b.Epsilon, b.BestOrder, delta)
	return b, nil
}

// encodableAccountant can be encoded by the gob package.
type encodableAccountant struct {
	Orders []float64
	Ledger []Entry
}

// GobEncode encodes Accountant.
func (a *Accountant) GobEncode() ([]byte, error) {
	enc := encodableAccountant{Orders: a.orders, Ledger: a.Ledger()}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(enc); err != nil {
		return nil, fmt.Errorf("couldn't encode Accountant: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode decodes Accountant. The decoded ledger is validated as if its
// entries had been recorded with RecordSteps. GobDecode must not be called
// concurrently with other methods of a.
func (a *Accountant) GobDecode(data []byte) error {
	var enc encodableAccountant
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&enc); err != nil {
		return fmt.Errorf("couldn't decode Accountant from bytes: %w", err)
	}
	if err := checks.CheckOrders("GobDecode", enc.Orders); err != nil {
		return err
	}
	if err := validateLedger("GobDecode", enc.Ledger); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = enc.Orders
	a.ledger = enc.Ledger
	a.cache = &rdpCache{m: make(map[mechanism][]float64)}
	return nil
}
