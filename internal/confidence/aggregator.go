package confidence

// TokenConfidence pairs one predicted token with the model's confidence in it.
type TokenConfidence struct {
	Token      string  `json:"token"`
	Confidence float64 `json:"confidence"`
}

// Aggregator applies a Strategy to a predictor's token confidences.
type Aggregator struct {
	strategy Strategy
}

// NewAggregator returns an Aggregator using s, or the geometric mean when s
// is nil.
func NewAggregator(s Strategy) *Aggregator {
	if s == nil {
		s = GeometricMean
	}
	return &Aggregator{strategy: s}
}

// Aggregate scores a prediction. The predicted string takes no part in the
// score.
func (a *Aggregator) Aggregate(_ string, tokens []TokenConfidence) float64 {
	values := make([]float64, len(tokens))
	for i, t := range tokens {
		values[i] = t.Confidence
	}
	return a.strategy(values)
}
