package classifier

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-heads/internal/backbone"
	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

// fakeBackbone returns deterministic per-layer states where every element
// encodes its layer, row and column.
type fakeBackbone struct {
	backend device.Backend
	hidden  int
	layers  int
	err     error

	calls  int
	lastIn backbone.Input
}

func newFakeBackbone(hidden, layers int) *fakeBackbone {
	return &fakeBackbone{backend: device.NewCPUBackend(), hidden: hidden, layers: layers}
}

func (f *fakeBackbone) Forward(in backbone.Input) (*backbone.Output, error) {
	f.calls++
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	batch, seqLen, err := in.Shape()
	if err != nil {
		return nil, err
	}

	states := make([]device.Tensor, f.layers+1)
	for l := range states {
		data := make([]float32, batch*seqLen*f.hidden)
		for i := range data {
			data[i] = float32(l) + float32(i%97)/97
		}
		states[l] = f.backend.NewTensor(batch*seqLen, f.hidden, data)
	}

	out := &backbone.Output{LastHiddenState: states[f.layers]}
	if in.OutputHiddenStates {
		out.HiddenStates = states
	}
	if in.OutputAttentions {
		out.Attentions = []device.Tensor{f.backend.NewTensor(batch*seqLen, seqLen, nil)}
	}
	if in.UseCache {
		kv := f.backend.NewTensor(batch*seqLen, f.hidden, nil)
		out.PastKeyValues = backbone.Cache{{Key: kv, Value: kv}}
	}
	return out, nil
}

func (f *fakeBackbone) Params(prefix string) []nn.Param {
	return []nn.Param{{Name: prefix + "embeddings.word_embeddings.weight", Tensor: f.backend.NewTensor(1, f.hidden, nil)}}
}

func testConfig(style backbone.Style, variant Variant, numLabels int) Config {
	cfg := DefaultConfig()
	cfg.HiddenSize = 8
	cfg.NumLabels = numLabels
	cfg.NumAttentionHeads = 2
	cfg.NumHiddenLayers = 2
	cfg.IntermediateSize = 16
	cfg.VocabSize = 32
	cfg.MaxPositionEmbeddings = 16
	cfg.HeadVariant = variant
	cfg.BackboneStyle = style
	cfg.UseHiddenStates = true
	if style == backbone.StyleDecoder {
		cfg.ModelType = "gpt2"
		cfg.TypeVocabSize = 0
	}
	return cfg
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func intPtr(v int) *int { return &v }

func assertTensorsClose(t *testing.T, want, got device.Tensor, tol float64) {
	t.Helper()
	wr, wc := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, []int{wr, wc}, []int{gr, gc})
	w, g := want.ToHost(), got.ToHost()
	for i := range w {
		require.InDelta(t, w[i], g[i], tol, "element %d", i)
	}
}
