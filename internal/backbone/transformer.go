package backbone

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

var _ Backbone = (*Transformer)(nil)

// Transformer is a post-LN BERT-style stack. In decoder style attention is
// causal and keys/values can be cached across calls.
type Transformer struct {
	Config     Config
	Backend    device.Backend
	Embeddings *Embeddings
	Layers     []*Layer

	hiddenDropout *nn.Dropout
	attnDropout   *nn.Dropout
	training      bool
}

// NewTransformer creates a Xavier-initialised transformer.
func NewTransformer(config Config, b device.Backend) (*Transformer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(config.Seed))

	t := &Transformer{
		Config:        config,
		Backend:       b,
		Embeddings:    NewEmbeddings(config, b, rng),
		Layers:        make([]*Layer, config.NumHiddenLayers),
		hiddenDropout: nn.NewDropout(config.HiddenDropout, config.Seed+1),
		attnDropout:   nn.NewDropout(config.AttentionDropout, config.Seed+2),
	}
	for i := range t.Layers {
		t.Layers[i] = NewLayer(config, b, rng)
	}
	return t, nil
}

// SetTraining toggles dropout.
func (t *Transformer) SetTraining(training bool) {
	t.training = training
}

func (t *Transformer) Params(prefix string) []nn.Param {
	params := t.Embeddings.Params(prefix + "embeddings")
	for i, l := range t.Layers {
		params = append(params, l.Params(prefix+"encoder.layer."+strconv.Itoa(i))...)
	}
	return params
}

// Forward runs the stack over a batch.
func (t *Transformer) Forward(in Input) (*Output, error) {
	batch, seqLen, err := in.Shape()
	if err != nil {
		return nil, err
	}

	past := in.PastKeyValues
	decoder := t.Config.Style == StyleDecoder
	if len(past) > 0 {
		if !decoder {
			return nil, fmt.Errorf("%w: encoders do not take past key values", ErrInvalidCache)
		}
		if len(past) != len(t.Layers) {
			return nil, fmt.Errorf("%w: %d layers cached, model has %d", ErrInvalidCache, len(past), len(t.Layers))
		}
	}
	pastLen := past.SeqLen(batch)

	mask, err := buildMask(in.AttentionMask, batch, pastLen, seqLen, decoder)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hidden, err := t.Embeddings.Forward(in, batch, seqLen, pastLen)
	if err != nil {
		return nil, err
	}
	t.hiddenDropout.Forward(hidden, t.training)
	LayerDuration.WithLabelValues("embeddings", t.Config.Style.String()).Observe(time.Since(start).Seconds())

	out := &Output{}
	if in.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}
	keepCache := decoder && (in.UseCache || len(past) > 0)
	if keepCache && in.UseCache {
		out.PastKeyValues = make(Cache, len(t.Layers))
	}

	for i, layer := range t.Layers {
		var layerPast LayerCache
		if len(past) > 0 {
			layerPast = past[i]
		}

		start := time.Now()
		res := layer.Forward(layerStep{
			hidden:   hidden,
			batch:    batch,
			seqLen:   seqLen,
			pastLen:  pastLen,
			past:     layerPast,
			mask:     mask,
			causal:   decoder,
			keep:     keepCache,
			attend:   in.OutputAttentions,
			training: t.training,
			hDrop:    t.hiddenDropout,
			aDrop:    t.attnDropout,
		})
		LayerDuration.WithLabelValues("layer", t.Config.Style.String()).Observe(time.Since(start).Seconds())

		hidden = res.hidden
		if in.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}
		if in.OutputAttentions {
			out.Attentions = append(out.Attentions, res.attention)
		}
		if out.PastKeyValues != nil {
			out.PastKeyValues[i] = res.cache
		}
	}

	out.LastHiddenState = hidden
	return out, nil
}

// buildMask returns visibility per (batch, key position) over pastLen+seqLen
// keys, or nil when everything is visible.
func buildMask(attention [][]int, batch, pastLen, seqLen int, causal bool) ([][]bool, error) {
	if attention == nil && !causal {
		return nil, nil
	}
	total := pastLen + seqLen
	mask := make([][]bool, batch)
	if attention != nil && len(attention) != batch {
		return nil, fmt.Errorf("%w: attention mask has %d rows, batch is %d", ErrShapeMismatch, len(attention), batch)
	}
	for b := range mask {
		mask[b] = make([]bool, total)
		for j := range mask[b] {
			mask[b][j] = true
		}
		if attention == nil {
			continue
		}
		row := attention[b]
		offset := 0
		switch len(row) {
		case total:
		case seqLen:
			offset = pastLen
		default:
			return nil, fmt.Errorf("%w: attention mask row has %d entries, want %d", ErrShapeMismatch, len(row), total)
		}
		for j, v := range row {
			mask[b][offset+j] = v != 0
		}
	}
	return mask, nil
}

// Embeddings handles word, position and token type embeddings.
type Embeddings struct {
	Config              Config
	Backend             device.Backend
	WordEmbeddings      device.Tensor
	PositionEmbeddings  device.Tensor
	TokenTypeEmbeddings device.Tensor // nil for decoders
	LayerNorm           *nn.LayerNorm
}

func NewEmbeddings(config Config, b device.Backend, rng *rand.Rand) *Embeddings {
	e := &Embeddings{
		Config:             config,
		Backend:            b,
		WordEmbeddings:     b.NewTensor(config.VocabSize, config.HiddenSize, nil),
		PositionEmbeddings: b.NewTensor(config.MaxPositionEmbeddings, config.HiddenSize, nil),
		LayerNorm:          nn.NewLayerNorm(config.HiddenSize, config.LayerNormEps, b),
	}
	nn.XavierInit(e.WordEmbeddings, rng)
	nn.XavierInit(e.PositionEmbeddings, rng)
	if config.Style == StyleEncoder && config.TypeVocabSize > 0 {
		e.TokenTypeEmbeddings = b.NewTensor(config.TypeVocabSize, config.HiddenSize, nil)
		nn.XavierInit(e.TokenTypeEmbeddings, rng)
	}
	return e
}

func (e *Embeddings) Params(prefix string) []nn.Param {
	params := []nn.Param{
		{Name: prefix + ".word_embeddings.weight", Tensor: e.WordEmbeddings},
		{Name: prefix + ".position_embeddings.weight", Tensor: e.PositionEmbeddings},
	}
	if e.TokenTypeEmbeddings != nil {
		params = append(params, nn.Param{Name: prefix + ".token_type_embeddings.weight", Tensor: e.TokenTypeEmbeddings})
	}
	return append(params, e.LayerNorm.Params(prefix+".LayerNorm")...)
}

func (e *Embeddings) Forward(in Input, batch, seqLen, pastLen int) (device.Tensor, error) {
	total := batch * seqLen
	var embeddings device.Tensor

	// 1. Word embeddings or caller supplied vectors
	if in.InputIDs != nil {
		ids := make([]int, 0, total)
		for _, row := range in.InputIDs {
			for _, id := range row {
				if id < 0 || id >= e.Config.VocabSize {
					return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrTokenOutOfRange, id, e.Config.VocabSize)
				}
				ids = append(ids, id)
			}
		}
		embeddings = e.WordEmbeddings.Gather(ids)
	} else {
		if _, c := in.InputsEmbeds.Dims(); c != e.Config.HiddenSize {
			return nil, fmt.Errorf("%w: inputs embeds have %d columns, hidden size is %d", ErrShapeMismatch, c, e.Config.HiddenSize)
		}
		embeddings = device.Clone(e.Backend, in.InputsEmbeds)
	}

	// 2. Position embeddings, offset by the cached length
	posIndices, err := flatten(in.PositionIDs, batch, seqLen, func(_, i int) int { return pastLen + i })
	if err != nil {
		return nil, err
	}
	for i, p := range posIndices {
		if p >= e.Config.MaxPositionEmbeddings {
			posIndices[i] = e.Config.MaxPositionEmbeddings - 1
		}
	}
	embeddings.Add(e.PositionEmbeddings.Gather(posIndices))

	// 3. Token type embeddings
	if e.TokenTypeEmbeddings != nil {
		typeIndices, err := flatten(in.TokenTypeIDs, batch, seqLen, func(_, _ int) int { return 0 })
		if err != nil {
			return nil, err
		}
		for _, id := range typeIndices {
			if id < 0 || id >= e.Config.TypeVocabSize {
				return nil, fmt.Errorf("%w: token type %d not in [0, %d)", ErrTokenOutOfRange, id, e.Config.TypeVocabSize)
			}
		}
		embeddings.Add(e.TokenTypeEmbeddings.Gather(typeIndices))
	}

	return e.LayerNorm.Forward(embeddings), nil
}

// flatten turns a (batch, seqLen) index grid into row order, filling absent
// grids from def.
func flatten(grid [][]int, batch, seqLen int, def func(b, i int) int) ([]int, error) {
	out := make([]int, 0, batch*seqLen)
	if grid == nil {
		for b := 0; b < batch; b++ {
			for i := 0; i < seqLen; i++ {
				out = append(out, def(b, i))
			}
		}
		return out, nil
	}
	if len(grid) != batch {
		return nil, fmt.Errorf("%w: %d index rows, batch is %d", ErrShapeMismatch, len(grid), batch)
	}
	for _, row := range grid {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: index row has %d entries, want %d", ErrShapeMismatch, len(row), seqLen)
		}
		for _, v := range row {
			if v < 0 {
				return nil, fmt.Errorf("%w: negative index %d", ErrTokenOutOfRange, v)
			}
		}
		out = append(out, row...)
	}
	return out, nil
}
