// Package confidence reduces per-token confidence values to a single score.
package confidence

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
)

// Strategy turns a sequence of confidences in [0,1] into one value in [0,1].
// Every strategy returns 0 for an empty sequence.
type Strategy func(values []float64) float64

// Strategy names accepted by Lookup.
const (
	Geometric  = "geometric"
	Arithmetic = "arithmetic"
	Harmonic   = "harmonic"
	Minimum    = "minimum"
)

var strategies = map[string]Strategy{
	Geometric:  GeometricMean,
	Arithmetic: ArithmeticMean,
	Harmonic:   HarmonicMean,
	Minimum:    Min,
}

// Lookup returns the strategy registered under name. An empty name selects
// the geometric mean.
func Lookup(name string) (Strategy, error) {
	if name == "" {
		return GeometricMean, nil
	}
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("confidence strategy %q (want one of %v): %w", name, Names(), pipelineerr.ErrConfiguration)
	}
	return s, nil
}

// Names lists the registered strategy names in sorted order.
func Names() []string {
	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GeometricMean is the n-th root of the product. A single zero forces 0.
// Computed in log space so long sequences do not underflow.
func GeometricMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		v = clamp(v)
		if v == 0 {
			return 0
		}
		sum += math.Log(v)
	}
	return clamp(math.Exp(sum / float64(len(values))))
}

// ArithmeticMean is the plain average.
func ArithmeticMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += clamp(v)
	}
	return clamp(sum / float64(len(values)))
}

// HarmonicMean is n divided by the sum of reciprocals. A single zero forces 0.
func HarmonicMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		v = clamp(v)
		if v == 0 {
			return 0
		}
		sum += 1 / v
	}
	return clamp(float64(len(values)) / sum)
}

// Min is the smallest value.
func Min(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return clamp(slices.Min(values))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
