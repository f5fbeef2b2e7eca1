//
// Copyright 2023 Google LLC
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

// Package stattestutils provides basic statistical utility functions.
//
// This package is not optimized for performance or speed and is only intended
// to be used in tests.
package stattestutils

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SampleMean returns the mean of a slice, calculated as the average over the
// values in the slice. The mean of an empty slice is 0.
func SampleMean(values []float64) float64 {
	return floats.Sum(values) / math.Max(1, float64(len(values)))
}

// SampleVariance returns the variance of a slice, calculated as the sum of
// squares of the distance to the mean of each of the values, divided by the
// number of values.
func SampleVariance(values []float64) float64 {
	mean := SampleMean(values)
	var sumOfSquares float64
	for _, v := range values {
		sumOfSquares += (v - mean) * (v - mean)
	}
	return sumOfSquares / math.Max(1, float64(len(values)))
}

// Column returns the j-th entry of every row.
func Column(rows [][]float64, j int) []float64 {
	col := make([]float64, len(rows))
	for i, row := range rows {
		col[i] = row[j]
	}
	return col
}

// ColumnMeans returns the sample mean of every column of rows, which must all
// have the same length.
func ColumnMeans(rows [][]float64) []float64 {
	return columnStat(rows, SampleMean)
}

// ColumnVariances returns the sample variance of every column of rows, which
// must all have the same length.
func ColumnVariances(rows [][]float64) []float64 {
	return columnStat(rows, SampleVariance)
}

func columnStat(rows [][]float64, stat func([]float64) float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, len(rows[0]))
	for j := range out {
		out[j] = stat(Column(rows, j))
	}
	return out
}
