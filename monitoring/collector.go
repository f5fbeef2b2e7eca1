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

// Package monitoring exports the privacy budget spent by a training run as
// Prometheus metrics.
package monitoring

import (
	"github.com/google/differential-privacy/dpsgd/accountant"
	"github.com/google/differential-privacy/dpsgd/checks"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dpsgd"

// Collector is a prometheus.Collector reporting the privacy spent according
// to an accountant. The budget is recomputed from a consistent snapshot of the
// ledger on every scrape.
type Collector struct {
	acct  *accountant.Accountant
	delta float64

	epsilon    *prometheus.Desc
	deltaDesc  *prometheus.Desc
	bestOrder  *prometheus.Desc
	atBoundary *prometheus.Desc
	steps      *prometheus.Desc
	entries    *prometheus.Desc
}

// NewCollector returns a Collector reporting ε at the given δ for acct.
// constLabels are attached to every metric, e.g. to tell training runs apart.
func NewCollector(acct *accountant.Accountant, delta float64, constLabels prometheus.Labels) (*Collector, error) {
	if err := checks.CheckDeltaStrict("NewCollector", delta); err != nil {
		return nil, err
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "privacy", name), help, nil, constLabels)
	}
	return &Collector{
		acct:       acct,
		delta:      delta,
		epsilon:    desc("epsilon", "Privacy loss ε spent so far at the reported δ."),
		deltaDesc:  desc("delta", "δ at which ε is reported."),
		bestOrder:  desc("best_order", "Rényi order at which ε is attained."),
		atBoundary: desc("order_at_boundary", "1 if the best Rényi order is at the boundary of the order grid, 0 otherwise."),
		steps:      desc("steps", "Number of training steps recorded by the accountant."),
		entries:    desc("ledger_entries", "Number of entries in the accountant's ledger."),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.epsilon
	ch <- c.deltaDesc
	ch <- c.bestOrder
	ch <- c.atBoundary
	ch <- c.steps
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.acct.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.steps, prometheus.GaugeValue, float64(snapshot.Steps()))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(len(snapshot.Ledger())))
	ch <- prometheus.MustNewConstMetric(c.deltaDesc, prometheus.GaugeValue, c.delta)

	b, err := snapshot.PrivacySpent(c.delta)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.epsilon, err)
		return
	}
	boundary := 0.0
	if b.OrderAtBoundary {
		boundary = 1
	}
	ch <- prometheus.MustNewConstMetric(c.epsilon, prometheus.GaugeValue, b.Epsilon)
	ch <- prometheus.MustNewConstMetric(c.bestOrder, prometheus.GaugeValue, b.BestOrder)
	ch <- prometheus.MustNewConstMetric(c.atBoundary, prometheus.GaugeValue, boundary)
}
