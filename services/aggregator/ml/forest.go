// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// Isolation forest defaults.
const (
	DefaultTrees         = 100
	DefaultContamination = 0.1

	// ForestMinSamples is the training floor; fewer points cannot support
	// a meaningful forest.
	ForestMinSamples = 50

	// lagWindow is how many prior values feed the feature vector
	// alongside the current value and four window statistics.
	lagWindow = 5

	// subsampleSize bounds the per-tree training subset.
	subsampleSize = 256

	// forestSeed fixes the tree construction so a retrain on the same
	// window reproduces the same model.
	forestSeed = 42
)

// ErrNotTrained is returned when detection is attempted on an untrained
// forest.
var ErrNotTrained = errors.New("isolation forest is not trained")

// ErrTooFewSamples is returned when a training window is below the
// forest's sample floor.
var ErrTooFewSamples = errors.New("too few samples to train isolation forest")

// standardScaler centers and scales each feature column to unit variance,
// remembering the training moments for later transforms. A constant
// column scales by 1 so it passes through centered instead of dividing by
// zero.
type standardScaler struct {
	means []float64
	stds  []float64
}

func (s *standardScaler) fit(X [][]float64) {
	cols := len(X[0])
	s.means = make([]float64, cols)
	s.stds = make([]float64, cols)
	col := make([]float64, len(X))
	for j := 0; j < cols; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		s.means[j] = stat.Mean(col, nil)
		s.stds[j] = stat.PopStdDev(col, nil)
		if s.stds[j] == 0 {
			s.stds[j] = 1
		}
	}
}

func (s *standardScaler) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.means[j]) / s.stds[j]
	}
	return out
}

// isoNode is one node of an isolation tree. Leaves keep the size of the
// partition that terminated there.
type isoNode struct {
	splitFeature int
	splitValue   float64
	left, right  *isoNode
	size         int
	leaf         bool
}

// buildTree partitions X by uniform random splits until isolation or the
// depth limit.
func buildTree(X [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(X) <= 1 || depth >= maxDepth {
		return &isoNode{leaf: true, size: len(X)}
	}

	feature := rng.Intn(len(X[0]))
	lo, hi := X[0][feature], X[0][feature]
	for _, row := range X {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if lo == hi {
		return &isoNode{leaf: true, size: len(X)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range X {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &isoNode{
		splitFeature: feature,
		splitValue:   split,
		left:         buildTree(left, depth+1, maxDepth, rng),
		right:        buildTree(right, depth+1, maxDepth, rng),
	}
}

// pathLength walks x down the tree, crediting terminated partitions with
// the average unsuccessful-search depth of their size.
func (n *isoNode) pathLength(x []float64, depth float64) float64 {
	if n.leaf {
		return depth + avgPathLength(n.size)
	}
	if x[n.splitFeature] < n.splitValue {
		return n.left.pathLength(x, depth+1)
	}
	return n.right.pathLength(x, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// binary search tree lookup over n items.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649015329
	return 2*h - 2*float64(n-1)/float64(n)
}

// IsolationForest is a from-scratch isolation forest over sliding-window
// features of one metric series. Anomaly scores follow the standard
// 2^(-E[h(x)]/c(psi)) form, so they land in (0, 1] with higher meaning
// more isolated. The decision threshold is the (1 - contamination)
// quantile of the training scores.
//
// Immutable after Train; safe for concurrent Detect calls.
type IsolationForest struct {
	trees         []*isoNode
	contamination float64
	nTrees        int
	sampleSize    int
	threshold     float64
	scaler        standardScaler
	trained       bool
}

// NewIsolationForest returns an untrained forest. Out-of-range arguments
// fall back to the defaults (100 trees, 0.1 contamination).
func NewIsolationForest(contamination float64, nTrees int) *IsolationForest {
	if contamination <= 0 || contamination >= 1 {
		contamination = DefaultContamination
	}
	if nTrees <= 0 {
		nTrees = DefaultTrees
	}
	return &IsolationForest{contamination: contamination, nTrees: nTrees}
}

// Train fits the forest to a chronological series of values.
func (f *IsolationForest) Train(values []float64) error {
	if len(values) < ForestMinSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrTooFewSamples, len(values), ForestMinSamples)
	}

	X := featureMatrix(values)
	f.scaler.fit(X)
	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = f.scaler.transform(row)
	}

	f.sampleSize = subsampleSize
	if f.sampleSize > len(scaled) {
		f.sampleSize = len(scaled)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(f.sampleSize))))

	rng := rand.New(rand.NewSource(forestSeed))
	f.trees = make([]*isoNode, f.nTrees)
	for t := 0; t < f.nTrees; t++ {
		sub := make([][]float64, f.sampleSize)
		for i := range sub {
			sub[i] = scaled[rng.Intn(len(scaled))]
		}
		f.trees[t] = buildTree(sub, 0, maxDepth, rng)
	}
	f.trained = true

	// Calibrate the decision threshold on the training scores.
	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = f.scoreScaled(row)
	}
	sort.Float64s(scores)
	f.threshold = stat.Quantile(1-f.contamination, stat.Empirical, scores, nil)
	return nil
}

// Trained reports whether the forest has been fit.
func (f *IsolationForest) Trained() bool {
	return f.trained
}

func (f *IsolationForest) scoreScaled(x []float64) float64 {
	var total float64
	for _, tree := range f.trees {
		total += tree.pathLength(x, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.sampleSize))
}

// Detect scores one value given its recent history (chronological, the
// value itself excluded). The point is featurized exactly as in training
// so the scaler moments line up.
func (f *IsolationForest) Detect(value float64, recent []float64, timestamp int64) (datatypes.AnomalyResult, error) {
	if !f.trained {
		return datatypes.AnomalyResult{}, ErrNotTrained
	}

	series := append(append([]float64{}, recent...), value)
	x := f.scaler.transform(featureVector(series, len(series)-1))
	score := f.scoreScaled(x)
	isAnomaly := score >= f.threshold

	res := datatypes.AnomalyResult{
		IsAnomaly: isAnomaly,
		Score:     score,
		Threshold: f.threshold,
		Timestamp: timestamp,
		Value:     value,
	}
	conf := 0.0
	if isAnomaly {
		conf = 1.0
	}
	res.Confidence = &conf
	return res, nil
}

// featureMatrix featurizes every point of a series.
func featureMatrix(values []float64) [][]float64 {
	X := make([][]float64, len(values))
	for i := range values {
		X[i] = featureVector(values, i)
	}
	return X
}

// featureVector builds the feature row for values[i]: the value, up to
// lagWindow prior values zero-padded at the series head, and the mean,
// stddev, min, and max of the trailing window including the point.
func featureVector(values []float64, i int) []float64 {
	feat := make([]float64, 0, lagWindow+5)
	feat = append(feat, values[i])
	for j := 1; j < lagWindow && j <= i; j++ {
		feat = append(feat, values[i-j])
	}
	for len(feat) < lagWindow+1 {
		feat = append(feat, 0)
	}

	start := i - lagWindow
	if start < 0 {
		start = 0
	}
	recent := values[start : i+1]
	std := 0.0
	if len(recent) > 1 {
		std = stat.PopStdDev(recent, nil)
	}
	lo, hi := recent[0], recent[0]
	for _, v := range recent {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return append(feat, stat.Mean(recent, nil), std, lo, hi)
}
