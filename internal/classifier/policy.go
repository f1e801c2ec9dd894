// internal/classifier/policy.go
package classifier

import (
	"fmt"
	"math"
)

// Decision is the verdict derived from one raw probability.
type Decision struct {
	IsPositive  bool
	Confidence  float64
	Probability float64
}

// Policy maps a probability onto a decision using a fixed threshold.
type Policy struct {
	threshold float64
}

// NewPolicy returns a Policy for threshold t, which must lie in [0, 1].
func NewPolicy(t float64) (Policy, error) {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return Policy{}, fmt.Errorf("threshold must be within [0, 1], got %v", t)
	}
	return Policy{threshold: t}, nil
}

// Threshold returns the configured cut-off.
func (p Policy) Threshold() float64 { return p.threshold }

// Classify is positive only when probability is strictly above the threshold;
// a probability equal to the threshold is negative. Confidence is the mass on
// the winning side.
func (p Policy) Classify(probability float64) Decision {
	if probability > p.threshold {
		return Decision{IsPositive: true, Confidence: probability, Probability: probability}
	}
	return Decision{IsPositive: false, Confidence: 1 - probability, Probability: probability}
}
