// Package nn holds the small set of layers shared by the backbone and the
// classification heads.
package nn

import (
	"math"
	"math/rand"
	"sync"

	"github.com/23skdu/fletcher-heads/internal/device"
)

// Param is a named trainable tensor.
type Param struct {
	Name   string
	Tensor device.Tensor
	// Linear marks weights held as (in, out) that serialise as (out, in).
	Linear bool
}

// Linear is a dense projection: y = x * W + b.
type Linear struct {
	Backend device.Backend
	Weight  device.Tensor // (in, out)
	Bias    device.Tensor // (1, out); nil when the layer has no bias
}

// NewLinear creates a Xavier-initialised dense layer.
func NewLinear(in, out int, bias bool, b device.Backend, rng *rand.Rand) *Linear {
	l := &Linear{
		Backend: b,
		Weight:  b.NewTensor(in, out, nil),
	}
	XavierInit(l.Weight, rng)
	if bias {
		l.Bias = b.NewTensor(1, out, nil)
	}
	return l
}

// Dims returns the input and output widths.
func (l *Linear) Dims() (int, int) {
	return l.Weight.Dims()
}

// Forward projects x, which must have as many columns as the layer's input width.
// The result comes from the backend pool.
func (l *Linear) Forward(x device.Tensor) device.Tensor {
	r, _ := x.Dims()
	_, out := l.Weight.Dims()

	y := l.Backend.GetTensor(r, out)
	y.Mul(x, l.Weight)
	if l.Bias != nil {
		y.AddBias(l.Bias)
	}
	return y
}

// ForwardActivation is Forward followed by an in-place activation.
func (l *Linear) ForwardActivation(x device.Tensor, activation device.ActivationType) device.Tensor {
	y := l.Forward(x)
	device.Activate(y, activation)
	return y
}

// Params lists the layer's tensors under prefix.
func (l *Linear) Params(prefix string) []Param {
	params := []Param{{Name: prefix + ".weight", Tensor: l.Weight, Linear: true}}
	if l.Bias != nil {
		params = append(params, Param{Name: prefix + ".bias", Tensor: l.Bias})
	}
	return params
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil),
		Eps:   eps,
	}
}

// Forward performs LayerNorm in-place.
// It overwrites input with the normalized result to avoid allocations.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

func (l *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", Tensor: l.Gamma},
		{Name: prefix + ".bias", Tensor: l.Beta},
	}
}

// Dropout zeroes activations with probability Rate while training and is the
// identity otherwise.
type Dropout struct {
	Rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewDropout(rate float64, seed int64) *Dropout {
	return &Dropout{Rate: rate, rng: rand.New(rand.NewSource(seed))}
}

// Forward applies inverted dropout in-place when training.
func (d *Dropout) Forward(t device.Tensor, training bool) device.Tensor {
	if !training || d.Rate <= 0 {
		return t
	}

	keep := 1 - d.Rate
	scale := float32(1 / keep)
	r, c := t.Dims()

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() < d.Rate {
				t.Set(i, j, 0)
			} else {
				t.Set(i, j, t.At(i, j)*scale)
			}
		}
	}
	return t
}

// XavierInit initializes a matrix with Xavier/Glorot uniform initialization.
func XavierInit(m device.Tensor, rng *rand.Rand) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))

	next := rand.Float64
	if rng != nil {
		next = rng.Float64
	}

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((next()*2 - 1) * limit)
	}

	// Bulk upload in a single pass
	m.CopyFromFloat32(data)
}
