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

// Package config reads DP-SGD training configurations from YAML files.
//
// A minimal configuration looks like
//
//	clip_bound: 1.0
//	noise_multiplier: 1.1
//	sample_rate: 0.01
//	target_delta: 1e-5
//	parameter_shapes:
//	  weight: [784, 10]
//	  bias: [10]
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/google/differential-privacy/dpsgd/dpsgd"
	"github.com/google/differential-privacy/dpsgd/rdp"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a DP-SGD training run.
type Config struct {
	ClipBound              float64            `yaml:"clip_bound"`
	PerParameterClipBounds map[string]float64 `yaml:"per_parameter_clip_bounds,omitempty"`
	NoiseMultiplier        float64            `yaml:"noise_multiplier"`
	// Either SampleRate, or BatchSize and DatasetSize, must be set. In the
	// latter case the sample rate is BatchSize / DatasetSize.
	SampleRate  float64 `yaml:"sample_rate,omitempty"`
	BatchSize   int     `yaml:"batch_size,omitempty"`
	DatasetSize int     `yaml:"dataset_size,omitempty"`
	// Rényi orders used for accounting. Defaults to rdp.DefaultOrders().
	AlphaGrid []float64 `yaml:"alpha_grid,omitempty"`
	// Seed of the noise generator. When unset, noise is cryptographically
	// secure and not reproducible.
	RNGSeed         *uint64          `yaml:"rng_seed,omitempty"`
	TargetDelta     float64          `yaml:"target_delta,omitempty"`
	ParameterShapes map[string][]int `yaml:"parameter_shapes"`
	Parallelism     int              `yaml:"parallelism,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config.Load(%s): %w", path, err)
	}
	return c, nil
}

// Parse reads a YAML configuration from r, applies defaults and validates
// it. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: configuration is empty", checks.ErrConfiguration)
		}
		return nil, fmt.Errorf("%w: %v", checks.ErrConfiguration, err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetDefaults sets TargetDelta and AlphaGrid to their defaults if they are
// unset.
func (c *Config) SetDefaults() {
	if c.TargetDelta == 0 {
		c.TargetDelta = dpsgd.DefaultTargetDelta
	}
	if len(c.AlphaGrid) == 0 {
		c.AlphaGrid = rdp.DefaultOrders()
	}
}

// EffectiveSampleRate returns SampleRate, or BatchSize / DatasetSize if
// SampleRate is not set.
func (c *Config) EffectiveSampleRate() float64 {
	if c.SampleRate == 0 && c.DatasetSize > 0 {
		return float64(c.BatchSize) / float64(c.DatasetSize)
	}
	return c.SampleRate
}

// Validate returns an error wrapping checks.ErrConfiguration if c does not
// describe a valid training run.
func (c *Config) Validate() error {
	if len(c.PerParameterClipBounds) == 0 {
		if err := checks.CheckClipBound("clip_bound", c.ClipBound); err != nil {
			return err
		}
	}
	if err := checks.CheckNoiseMultiplierStrict("noise_multiplier", c.NoiseMultiplier); err != nil {
		return err
	}
	if c.SampleRate != 0 && (c.BatchSize != 0 || c.DatasetSize != 0) {
		return fmt.Errorf("%w: sample_rate cannot be combined with batch_size and dataset_size", checks.ErrConfiguration)
	}
	if c.SampleRate == 0 {
		if err := checks.CheckBatchSize("batch_size", c.BatchSize); err != nil {
			return err
		}
		if err := checks.CheckBatchSize("dataset_size", c.DatasetSize); err != nil {
			return err
		}
	}
	if err := checks.CheckSampleRate("sample_rate", c.EffectiveSampleRate()); err != nil {
		return err
	}
	if err := checks.CheckOrders("alpha_grid", c.AlphaGrid); err != nil {
		return err
	}
	if err := checks.CheckDeltaStrict("target_delta", c.TargetDelta); err != nil {
		return err
	}
	if len(c.ParameterShapes) == 0 {
		return fmt.Errorf("%w: parameter_shapes must be set", checks.ErrConfiguration)
	}
	return checks.CheckParallelism("parallelism", c.Parallelism)
}

// EngineOptions converts c into options for dpsgd.NewEngine.
func (c *Config) EngineOptions() *dpsgd.Options {
	return &dpsgd.Options{
		ParameterShapes:        c.ParameterShapes,
		ClipBound:              c.ClipBound,
		PerParameterClipBounds: c.PerParameterClipBounds,
		NoiseMultiplier:        c.NoiseMultiplier,
		SampleRate:             c.EffectiveSampleRate(),
		Orders:                 c.AlphaGrid,
		TargetDelta:            c.TargetDelta,
		Seed:                   c.RNGSeed,
		Parallelism:            c.Parallelism,
	}
}
