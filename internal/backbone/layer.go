package backbone

import (
	"math"
	"math/rand"
	"sync"

	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

// maskedScore is written into attention scores of hidden keys.
const maskedScore = -math.MaxFloat32

// Layer is a single Transformer block.
type Layer struct {
	Backend  device.Backend
	NumHeads int
	HeadSize int
	Query    *nn.Linear
	Key      *nn.Linear
	Value    *nn.Linear
	AttnOut  *nn.Linear
	AttnNorm *nn.LayerNorm
	Inter    *nn.Linear
	Output   *nn.Linear
	OutNorm  *nn.LayerNorm
}

func NewLayer(config Config, b device.Backend, rng *rand.Rand) *Layer {
	h := config.HiddenSize
	return &Layer{
		Backend:  b,
		NumHeads: config.NumAttentionHeads,
		HeadSize: h / config.NumAttentionHeads,
		Query:    nn.NewLinear(h, h, true, b, rng),
		Key:      nn.NewLinear(h, h, true, b, rng),
		Value:    nn.NewLinear(h, h, true, b, rng),
		AttnOut:  nn.NewLinear(h, h, true, b, rng),
		AttnNorm: nn.NewLayerNorm(h, config.LayerNormEps, b),
		Inter:    nn.NewLinear(h, config.IntermediateSize, true, b, rng),
		Output:   nn.NewLinear(config.IntermediateSize, h, true, b, rng),
		OutNorm:  nn.NewLayerNorm(h, config.LayerNormEps, b),
	}
}

func (l *Layer) Params(prefix string) []nn.Param {
	var params []nn.Param
	params = append(params, l.Query.Params(prefix+".attention.self.query")...)
	params = append(params, l.Key.Params(prefix+".attention.self.key")...)
	params = append(params, l.Value.Params(prefix+".attention.self.value")...)
	params = append(params, l.AttnOut.Params(prefix+".attention.output.dense")...)
	params = append(params, l.AttnNorm.Params(prefix+".attention.output.LayerNorm")...)
	params = append(params, l.Inter.Params(prefix+".intermediate.dense")...)
	params = append(params, l.Output.Params(prefix+".output.dense")...)
	params = append(params, l.OutNorm.Params(prefix+".output.LayerNorm")...)
	return params
}

type layerStep struct {
	hidden   device.Tensor
	batch    int
	seqLen   int
	pastLen  int
	past     LayerCache
	mask     [][]bool
	causal   bool
	keep     bool
	attend   bool
	training bool
	hDrop    *nn.Dropout
	aDrop    *nn.Dropout
}

type layerResult struct {
	hidden    device.Tensor
	attention device.Tensor
	cache     LayerCache
}

// Forward never mutates s.hidden.
func (l *Layer) Forward(s layerStep) layerResult {
	var res layerResult

	query := l.Query.Forward(s.hidden)
	key := l.Key.Forward(s.hidden)
	value := l.Value.Forward(s.hidden)

	fullKey := appendPast(l.Backend, s.past.Key, key, s.batch, s.pastLen, s.seqLen)
	fullValue := appendPast(l.Backend, s.past.Value, value, s.batch, s.pastLen, s.seqLen)
	if s.keep {
		res.cache = LayerCache{Key: fullKey, Value: fullValue}
	}

	context, attention := l.attend(query, fullKey, fullValue, s)
	res.attention = attention

	l.Backend.PutTensor(query)
	if !s.keep || fullKey != key {
		l.Backend.PutTensor(key)
		l.Backend.PutTensor(value)
	}

	// Self output: dense, dropout, residual, norm
	attnOut := l.AttnOut.Forward(context)
	l.Backend.PutTensor(context)
	s.hDrop.Forward(attnOut, s.training)
	attnOut.Add(s.hidden)
	l.AttnNorm.Forward(attnOut)

	// Feed forward
	inter := l.Inter.ForwardActivation(attnOut, device.ActivationGELU)
	out := l.Output.Forward(inter)
	l.Backend.PutTensor(inter)
	s.hDrop.Forward(out, s.training)
	out.Add(attnOut)
	l.OutNorm.Forward(out)
	l.Backend.PutTensor(attnOut)

	res.hidden = out
	return res
}

// attend computes scaled dot-product attention per (example, head). Keys
// and values are (batch*(pastLen+seqLen), hidden).
func (l *Layer) attend(query, key, value device.Tensor, s layerStep) (device.Tensor, device.Tensor) {
	total := s.pastLen + s.seqLen
	hiddenSize := l.NumHeads * l.HeadSize
	scale := float32(1.0 / math.Sqrt(float64(l.HeadSize)))

	context := l.Backend.GetTensor(s.batch*s.seqLen, hiddenSize)
	var probs device.Tensor
	if s.attend {
		probs = l.Backend.NewTensor(s.batch*l.NumHeads*s.seqLen, total, nil)
	}

	var wg sync.WaitGroup
	for b := 0; b < s.batch; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			for h := 0; h < l.NumHeads; h++ {
				c0, c1 := h*l.HeadSize, (h+1)*l.HeadSize
				q := query.Slice(b*s.seqLen, (b+1)*s.seqLen, c0, c1)
				k := key.Slice(b*total, (b+1)*total, c0, c1)
				v := value.Slice(b*total, (b+1)*total, c0, c1)

				scores := l.Backend.GetTensor(s.seqLen, total)
				scores.Mul(q, k.T())
				scores.Scale(scale)
				s.applyMask(scores, b)
				scores.Softmax()
				s.aDrop.Forward(scores, s.training)

				if probs != nil {
					device.SetBlock(probs, (b*l.NumHeads+h)*s.seqLen, 0, scores)
				}

				ctx := l.Backend.GetTensor(s.seqLen, l.HeadSize)
				ctx.Mul(scores, v)
				device.SetBlock(context, b*s.seqLen, c0, ctx)

				l.Backend.PutTensor(scores)
				l.Backend.PutTensor(ctx)
			}
		}(b)
	}
	wg.Wait()

	return context, probs
}

func (s layerStep) applyMask(scores device.Tensor, b int) {
	if s.mask == nil {
		return
	}
	visible := s.mask[b]
	for i := 0; i < s.seqLen; i++ {
		for j := range visible {
			if !visible[j] || (s.causal && j > s.pastLen+i) {
				scores.Set(i, j, maskedScore)
			}
		}
	}
}

// appendPast stacks cached rows in front of the current ones per example.
func appendPast(b device.Backend, past, cur device.Tensor, batch, pastLen, seqLen int) device.Tensor {
	if past == nil || pastLen == 0 {
		return cur
	}
	_, h := cur.Dims()
	parts := make([]device.Tensor, 0, 2*batch)
	for i := 0; i < batch; i++ {
		parts = append(parts,
			past.Slice(i*pastLen, (i+1)*pastLen, 0, h),
			cur.Slice(i*seqLen, (i+1)*seqLen, 0, h))
	}
	return device.ConcatRows(b, parts...)
}
