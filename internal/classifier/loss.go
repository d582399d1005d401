package classifier

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/fletcher-heads/internal/device"
)

// IgnoreIndex marks class targets excluded from the cross-entropy mean.
const IgnoreIndex = -100

// ComputeLoss returns the loss of logits (examples, numLabels) against
// labels for the given problem type.
func ComputeLoss(problem ProblemType, logits device.Tensor, labels *Labels, numLabels int) (float32, error) {
	if labels == nil {
		return 0, fmt.Errorf("%w: no labels", ErrShapeMismatch)
	}
	if err := labels.validate(); err != nil {
		return 0, err
	}
	r, c := logits.Dims()
	if c != numLabels {
		return 0, fmt.Errorf("%w: logits have %d columns, num_labels is %d", ErrShapeMismatch, c, numLabels)
	}

	x := toFloat64(logits.ToHost())
	var (
		loss float64
		err  error
	)
	switch problem {
	case Regression:
		loss, err = meanSquaredError(x, []int{r, c}, labels, numLabels)
	case SingleLabelClassification:
		loss, err = crossEntropy(x, r, c, labels)
	case MultiLabelClassification:
		loss, err = bceWithLogits(x, []int{r, c}, labels)
	default:
		return 0, ErrProblemTypeUnset
	}
	if err != nil {
		return 0, err
	}

	LossComputations.WithLabelValues(problem.String()).Inc()
	return float32(loss), nil
}

func meanSquaredError(x []float64, shape []int, labels *Labels, numLabels int) (float64, error) {
	labelShape := labels.dims()
	if numLabels == 1 {
		shape, labelShape = squeeze(shape), squeeze(labelShape)
	}
	if !slices.Equal(shape, labelShape) {
		return 0, fmt.Errorf("%w: logits %v vs labels %v", ErrShapeMismatch, shape, labelShape)
	}

	diff := make([]float64, len(x))
	floats.SubTo(diff, x, labels.float64s())
	return floats.Dot(diff, diff) / float64(len(diff)), nil
}

func crossEntropy(x []float64, n, numLabels int, labels *Labels) (float64, error) {
	if !labels.IsInteger() {
		return softCrossEntropy(x, n, numLabels, labels)
	}
	if labels.Len() != n {
		return 0, fmt.Errorf("%w: %d class labels for %d examples", ErrShapeMismatch, labels.Len(), n)
	}

	var sum float64
	count := 0
	for i, target := range labels.Classes {
		if target == IgnoreIndex {
			continue
		}
		if target < 0 || target >= numLabels {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrLabelOutOfRange, target, numLabels)
		}
		row := x[i*numLabels : (i+1)*numLabels]
		sum += floats.LogSumExp(row) - row[target]
		count++
	}
	if count == 0 {
		return math.NaN(), nil
	}
	return sum / float64(count), nil
}

// softCrossEntropy treats float labels as per-class probabilities.
func softCrossEntropy(x []float64, n, numLabels int, labels *Labels) (float64, error) {
	if labels.Len() != n*numLabels {
		return 0, fmt.Errorf("%w: %d probability targets for %dx%d logits", ErrShapeMismatch, labels.Len(), n, numLabels)
	}
	y := labels.float64s()

	var sum float64
	logProbs := make([]float64, numLabels)
	for i := 0; i < n; i++ {
		row := x[i*numLabels : (i+1)*numLabels]
		copy(logProbs, row)
		floats.AddConst(-floats.LogSumExp(row), logProbs)
		sum -= floats.Dot(logProbs, y[i*numLabels:(i+1)*numLabels])
	}
	return sum / float64(n), nil
}

func bceWithLogits(x []float64, shape []int, labels *Labels) (float64, error) {
	if labels.IsInteger() {
		return 0, fmt.Errorf("%w: multi-label targets must be floating point", ErrLabelDType)
	}
	if labelShape := labels.dims(); !slices.Equal(shape, labelShape) {
		return 0, fmt.Errorf("%w: logits %v vs labels %v", ErrShapeMismatch, shape, labelShape)
	}

	y := labels.float64s()
	terms := make([]float64, len(x))
	for i, v := range x {
		// max(x, 0) - x*y + log(1 + exp(-|x|))
		terms[i] = math.Max(v, 0) - v*y[i] + math.Log1p(math.Exp(-math.Abs(v)))
	}
	return floats.Sum(terms) / float64(len(terms)), nil
}

// squeeze drops every singleton dimension.
func squeeze(shape []int) []int {
	out := make([]int, 0, len(shape))
	for _, d := range shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
