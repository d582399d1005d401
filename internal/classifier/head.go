package classifier

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

// Head maps final features, and for fusion variants an intermediate hidden
// state, to logits. Rows are examples for encoders and tokens for decoders.
type Head struct {
	Variant    Variant
	HiddenSize int
	NumLabels  int
	Backend    device.Backend

	// Dense1 is dense_1, or dense_1_input for VariantProjectConcat.
	Dense1       *nn.Linear
	Dense1Hidden *nn.Linear // VariantProjectConcat only
	Dense2       *nn.Linear
	OutProj      *nn.Linear
	Dropout      *nn.Dropout

	training atomic.Bool
}

// NewHead builds a head. outBias is true for the encoder family.
func NewHead(variant Variant, hiddenSize, numLabels int, dropout float64, outBias bool, b device.Backend, seed int64) *Head {
	rng := rand.New(rand.NewSource(seed))
	h := hiddenSize
	head := &Head{
		Variant:    variant,
		HiddenSize: hiddenSize,
		NumLabels:  numLabels,
		Backend:    b,
		Dropout:    nn.NewDropout(dropout, seed+1),
	}

	switch variant {
	case VariantConcat:
		head.Dense1 = nn.NewLinear(2*h, 4*h, true, b, rng)
		head.Dense2 = nn.NewLinear(4*h, 2*h, true, b, rng)
		head.OutProj = nn.NewLinear(2*h, numLabels, outBias, b, rng)
	case VariantProjectConcat:
		head.Dense1 = nn.NewLinear(h, 2*h, true, b, rng)
		head.Dense1Hidden = nn.NewLinear(h, 2*h, true, b, rng)
		head.Dense2 = nn.NewLinear(4*h, h, true, b, rng)
		head.OutProj = nn.NewLinear(h, numLabels, outBias, b, rng)
	default:
		head.Dense1 = nn.NewLinear(h, 2*h, true, b, rng)
		head.Dense2 = nn.NewLinear(2*h, h, true, b, rng)
		head.OutProj = nn.NewLinear(h, numLabels, outBias, b, rng)
	}
	return head
}

// SetTraining switches dropout on or off.
func (h *Head) SetTraining(training bool) {
	h.training.Store(training)
}

// Forward returns (rows, NumLabels) logits. hidden is required by the fusion
// variants and ignored by VariantSimple.
func (h *Head) Forward(features, hidden device.Tensor) (device.Tensor, error) {
	rows, cols := features.Dims()
	if cols != h.HiddenSize {
		return nil, fmt.Errorf("%w: features have %d columns, hidden size is %d", ErrShapeMismatch, cols, h.HiddenSize)
	}
	if h.Variant.NeedsHiddenState() {
		if hidden == nil {
			return nil, &MissingHiddenStateError{Variant: h.Variant, Layer: h.Variant.HiddenStateIndex()}
		}
		if hr, hc := hidden.Dims(); hr != rows || hc != h.HiddenSize {
			return nil, fmt.Errorf("%w: hidden state is %dx%d, features are %dx%d", ErrShapeMismatch, hr, hc, rows, cols)
		}
	}

	var x device.Tensor
	switch h.Variant {
	case VariantConcat:
		fused := device.ConcatCols(h.Backend, features, hidden)
		x = h.dense(h.Dense1, fused)
	case VariantProjectConcat:
		a := h.dense(h.Dense1, features)
		b := h.dense(h.Dense1Hidden, hidden)
		fused := device.ConcatCols(h.Backend, a, b)
		h.Backend.PutTensor(a)
		h.Backend.PutTensor(b)
		x = fused
	default:
		x = h.dense(h.Dense1, features)
	}

	y := h.dense(h.Dense2, x)
	h.Backend.PutTensor(x)

	logits := h.OutProj.Forward(y)
	h.Backend.PutTensor(y)
	return logits, nil
}

// dense is linear, ReLU, dropout.
func (h *Head) dense(l *nn.Linear, x device.Tensor) device.Tensor {
	y := l.ForwardActivation(x, device.ActivationReLU)
	return h.Dropout.Forward(y, h.training.Load())
}

// Params lists the head's tensors under prefix using checkpoint names.
func (h *Head) Params(prefix string) []nn.Param {
	var params []nn.Param
	if h.Variant == VariantProjectConcat {
		params = append(params, h.Dense1.Params(prefix+".dense_1_input")...)
		params = append(params, h.Dense1Hidden.Params(prefix+".dense_1_hidden")...)
	} else {
		params = append(params, h.Dense1.Params(prefix+".dense_1")...)
	}
	params = append(params, h.Dense2.Params(prefix+".dense_2")...)
	return append(params, h.OutProj.Params(prefix+".out_proj")...)
}
