package classifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-heads/internal/device"
)

func TestComputeLoss(t *testing.T) {
	b := device.NewCPUBackend()

	tests := []struct {
		name      string
		problem   ProblemType
		logits    device.Tensor
		labels    *Labels
		numLabels int
		want      float64
	}{
		{
			name:      "regression squeezed",
			problem:   Regression,
			logits:    b.NewTensor(3, 1, []float32{1, 2, 3}),
			labels:    FloatLabels([]float32{1, 1, 1}),
			numLabels: 1,
			want:      5.0 / 3.0,
		},
		{
			name:      "regression trailing singleton labels",
			problem:   Regression,
			logits:    b.NewTensor(3, 1, []float32{1, 2, 3}),
			labels:    FloatLabels([]float32{1, 1, 1}, 3, 1),
			numLabels: 1,
			want:      5.0 / 3.0,
		},
		{
			name:      "regression single example",
			problem:   Regression,
			logits:    b.NewTensor(1, 1, []float32{2}),
			labels:    FloatLabels([]float32{4}),
			numLabels: 1,
			want:      4,
		},
		{
			name:      "regression integer labels",
			problem:   Regression,
			logits:    b.NewTensor(3, 1, []float32{1, 2, 3}),
			labels:    IntLabels([]int{1, 2, 3}),
			numLabels: 1,
			want:      0,
		},
		{
			name:      "regression multi output",
			problem:   Regression,
			logits:    b.NewTensor(2, 2, []float32{1, 2, 3, 4}),
			labels:    FloatLabels([]float32{0, 2, 3, 2}, 2, 2),
			numLabels: 2,
			want:      5.0 / 4.0,
		},
		{
			name:      "cross entropy uniform",
			problem:   SingleLabelClassification,
			logits:    b.NewTensor(1, 2, []float32{0, 0}),
			labels:    IntLabels([]int{0}),
			numLabels: 2,
			want:      math.Ln2,
		},
		{
			name:      "cross entropy",
			problem:   SingleLabelClassification,
			logits:    b.NewTensor(1, 3, []float32{1, 2, 3}),
			labels:    IntLabels([]int{2}),
			numLabels: 3,
			want:      math.Log(1+math.Exp(-1)+math.Exp(-2)),
		},
		{
			name:      "cross entropy ignore index",
			problem:   SingleLabelClassification,
			logits:    b.NewTensor(2, 2, []float32{5, -5, 0, 0}),
			labels:    IntLabels([]int{IgnoreIndex, 1}),
			numLabels: 2,
			want:      math.Ln2,
		},
		{
			name:      "cross entropy soft targets",
			problem:   SingleLabelClassification,
			logits:    b.NewTensor(1, 2, []float32{0, 0}),
			labels:    FloatLabels([]float32{0.5, 0.5}, 1, 2),
			numLabels: 2,
			want:      math.Ln2,
		},
		{
			name:      "bce with logits",
			problem:   MultiLabelClassification,
			logits:    b.NewTensor(1, 2, []float32{0, 2}),
			labels:    FloatLabels([]float32{1, 0}, 1, 2),
			numLabels: 2,
			want:      (math.Ln2 + 2 + math.Log1p(math.Exp(-2))) / 2,
		},
		{
			name:      "bce large logits stay finite",
			problem:   MultiLabelClassification,
			logits:    b.NewTensor(1, 2, []float32{200, -200}),
			labels:    FloatLabels([]float32{1, 0}, 1, 2),
			numLabels: 2,
			want:      0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss, err := ComputeLoss(tt.problem, tt.logits, tt.labels, tt.numLabels)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, float64(loss), 1e-5)
		})
	}
}

func TestComputeLossSqueezeMatchesFlat(t *testing.T) {
	b := device.NewCPUBackend()
	values := []float32{0.5, -1.25, 3, 7.5}
	targets := []float32{1, 0, 2.5, 8}

	squeezed, err := ComputeLoss(Regression, b.NewTensor(4, 1, values), FloatLabels(targets, 4, 1), 1)
	require.NoError(t, err)

	var want float64
	for i := range values {
		d := float64(values[i] - targets[i])
		want += d * d
	}
	want /= float64(len(values))
	assert.InDelta(t, want, float64(squeezed), 1e-6)
}

func TestComputeLossErrors(t *testing.T) {
	b := device.NewCPUBackend()
	logits := b.NewTensor(2, 2, []float32{1, 2, 3, 4})

	tests := []struct {
		name    string
		problem ProblemType
		labels  *Labels
		want    error
	}{
		{"unset", ProblemTypeUnset, IntLabels([]int{0, 1}), ErrProblemTypeUnset},
		{"regression shape", Regression, FloatLabels([]float32{1, 2, 3, 4}), ErrShapeMismatch},
		{"class count", SingleLabelClassification, IntLabels([]int{0, 1, 1}), ErrShapeMismatch},
		{"class range", SingleLabelClassification, IntLabels([]int{0, 2}), ErrLabelOutOfRange},
		{"negative class", SingleLabelClassification, IntLabels([]int{-1, 0}), ErrLabelOutOfRange},
		{"multi label ints", MultiLabelClassification, IntLabels([]int{0, 1, 1, 0}, 2, 2), ErrLabelDType},
		{"multi label shape", MultiLabelClassification, FloatLabels([]float32{0, 1, 1, 0}), ErrShapeMismatch},
		{"bad label shape", MultiLabelClassification, FloatLabels([]float32{0, 1, 1}, 2, 2), ErrShapeMismatch},
		{"both dtypes", Regression, &Labels{Classes: []int{1}, Values: []float32{1}}, ErrLabelDType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeLoss(tt.problem, logits, tt.labels, 2)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ComputeLoss(Regression, logits, FloatLabels([]float32{1, 2}), 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestComputeLossAllIgnoredIsNaN(t *testing.T) {
	b := device.NewCPUBackend()
	loss, err := ComputeLoss(SingleLabelClassification, b.NewTensor(2, 2, nil), IntLabels([]int{IgnoreIndex, IgnoreIndex}), 2)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(loss)))
}

func TestComputeLossCountsMetric(t *testing.T) {
	b := device.NewCPUBackend()
	counter := LossComputations.WithLabelValues(MultiLabelClassification.String())
	before := counterValue(t, counter)

	_, err := ComputeLoss(MultiLabelClassification, b.NewTensor(1, 2, nil), FloatLabels([]float32{0, 1}, 1, 2), 2)
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, counter))
}
