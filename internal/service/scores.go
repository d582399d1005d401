package service

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/fletcher-heads/internal/classifier"
)

// Scores maps one row of logits to probabilities: softmax for single-label,
// sigmoid for multi-label and the raw values for regression.
func Scores(problem classifier.ProblemType, logits []float32) []float32 {
	out := make([]float32, len(logits))
	switch problem {
	case classifier.SingleLabelClassification:
		x := make([]float64, len(logits))
		for i, v := range logits {
			x[i] = float64(v)
		}
		lse := floats.LogSumExp(x)
		for i, v := range x {
			out[i] = float32(math.Exp(v - lse))
		}
	case classifier.MultiLabelClassification:
		for i, v := range logits {
			out[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	default:
		copy(out, logits)
	}
	return out
}

// argmax returns the index of the largest value, the first on ties.
func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// scoringProblem is the problem type used to interpret logits. Without a
// configured or inferred type a single output is a regression and several
// outputs are mutually exclusive classes.
func scoringProblem(m *classifier.Model) classifier.ProblemType {
	if p := m.ProblemType(); p != classifier.ProblemTypeUnset {
		return p
	}
	if m.Config().NumLabels == 1 {
		return classifier.Regression
	}
	return classifier.SingleLabelClassification
}
