package service

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-heads/internal/backbone"
	"github.com/23skdu/fletcher-heads/internal/cache"
	"github.com/23skdu/fletcher-heads/internal/classifier"
	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/tokenizer"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "good", "bad", "movie", "very", "##s",
}

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	return 0
}

func testModelConfig(style backbone.Style, numLabels int) classifier.Config {
	cfg := classifier.DefaultConfig()
	cfg.HiddenSize = 8
	cfg.NumLabels = numLabels
	cfg.NumAttentionHeads = 2
	cfg.NumHiddenLayers = 2
	cfg.IntermediateSize = 16
	cfg.VocabSize = 32
	cfg.MaxPositionEmbeddings = 16
	cfg.BackboneStyle = style
	if style == backbone.StyleDecoder {
		cfg.ModelType = "gpt2"
		cfg.TypeVocabSize = 0
	}
	return cfg
}

func newTestClassifier(t *testing.T, cfg classifier.Config, opts ...Option) *Classifier {
	t.Helper()
	m, err := classifier.NewFromConfig(cfg, device.NewCPUBackend(), classifier.WithSeed(7))
	require.NoError(t, err)
	tok, err := tokenizer.NewFromVocab(testVocab)
	require.NoError(t, err)
	c, err := New(m, tok, opts...)
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	cfg := testModelConfig(backbone.StyleEncoder, 2)
	cfg.ID2Label = map[int]string{0: "negative", 1: "positive"}
	c := newTestClassifier(t, cfg)
	assert.Equal(t, []string{"negative", "positive"}, c.Labels())

	texts := []string{"good movie", "bad", "very very bad movies"}
	preds, err := c.Classify(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, preds, len(texts))

	for i, p := range preds {
		assert.Equal(t, texts[i], p.Text)
		require.Len(t, p.Logits, 2)
		require.Len(t, p.Scores, 2)
		assert.InDelta(t, 1.0, p.Scores[0]+p.Scores[1], 1e-5)
		assert.Equal(t, argmax(p.Logits), p.LabelID)
		assert.Equal(t, cfg.ID2Label[p.LabelID], p.Label)
		assert.Empty(t, p.Active)
	}
}

func TestClassify_BatchingIsTransparent(t *testing.T) {
	cfg := testModelConfig(backbone.StyleEncoder, 3)
	texts := []string{"good", "hello world movie", "bad movie", "very good"}

	whole, err := newTestClassifier(t, cfg).Classify(context.Background(), texts)
	require.NoError(t, err)
	single, err := newTestClassifier(t, cfg, WithBatchSize(1)).Classify(context.Background(), texts)
	require.NoError(t, err)

	for i := range texts {
		for j := range whole[i].Logits {
			assert.InDelta(t, single[i].Logits[j], whole[i].Logits[j], 1e-4, "text %d label %d", i, j)
		}
	}
}

func TestClassify_Cache(t *testing.T) {
	c := newTestClassifier(t, testModelConfig(backbone.StyleEncoder, 2), WithCache(cache.NewMapCache(0)))
	ctx := WithDatasetID(context.Background(), "ds-1")

	hits, misses := getMetricValue(cacheHits), getMetricValue(cacheMisses)
	first, err := c.Classify(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, getMetricValue(cacheMisses)-misses)

	second, err := c.Classify(ctx, []string{"world", "hello"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, getMetricValue(cacheHits)-hits)
	assert.Equal(t, first[0].Logits, second[1].Logits)
	assert.Equal(t, first[1].Logits, second[0].Logits)
	assert.Equal(t, 2, c.cache.Size())

	// other datasets miss
	_, err = c.Classify(WithDatasetID(context.Background(), "ds-2"), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, 3, c.cache.Size())
}

func TestClassify_Cancellation(t *testing.T) {
	c := newTestClassifier(t, testModelConfig(backbone.StyleEncoder, 2), WithBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Classify(ctx, []string{"hello", "world"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassify_Empty(t *testing.T) {
	c := newTestClassifier(t, testModelConfig(backbone.StyleEncoder, 2))
	preds, err := c.Classify(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestClassify_Decoder(t *testing.T) {
	t.Run("without pad token", func(t *testing.T) {
		c := newTestClassifier(t, testModelConfig(backbone.StyleDecoder, 2))
		assert.Equal(t, 1, c.batchSize)

		preds, err := c.Classify(context.Background(), []string{"good movie", "bad"})
		require.NoError(t, err)
		require.Len(t, preds, 2)
	})

	t.Run("with pad token", func(t *testing.T) {
		cfg := testModelConfig(backbone.StyleDecoder, 2)
		pad := 0
		cfg.PadTokenID = &pad
		c := newTestClassifier(t, cfg)
		assert.Equal(t, 32, c.batchSize)

		texts := []string{"good movie", "bad"}
		batched, err := c.Classify(context.Background(), texts)
		require.NoError(t, err)
		alone, err := c.Classify(context.Background(), texts[1:])
		require.NoError(t, err)
		for j := range alone[0].Logits {
			assert.InDelta(t, alone[0].Logits[j], batched[1].Logits[j], 1e-4)
		}
	})

	t.Run("pad token differs from tokenizer padding", func(t *testing.T) {
		cfg := testModelConfig(backbone.StyleDecoder, 2)
		mask := 4 // [MASK], the tokenizer pads with [PAD]=0
		cfg.PadTokenID = &mask
		c := newTestClassifier(t, cfg)
		assert.Equal(t, 1, c.batchSize)

		texts := []string{"good movie very good", "bad"}
		batched, err := c.Classify(context.Background(), texts)
		require.NoError(t, err)
		alone, err := c.Classify(context.Background(), texts[1:])
		require.NoError(t, err)
		assert.InDeltaSlice(t, alone[0].Logits, batched[1].Logits, 1e-4)
	})
}

func TestClassify_ProblemTypes(t *testing.T) {
	t.Run("multi-label", func(t *testing.T) {
		cfg := testModelConfig(backbone.StyleEncoder, 3)
		cfg.ProblemType = classifier.MultiLabelClassification
		preds, err := newTestClassifier(t, cfg).Classify(context.Background(), []string{"good"})
		require.NoError(t, err)
		for i, s := range preds[0].Scores {
			want := 1 / (1 + math.Exp(-float64(preds[0].Logits[i])))
			assert.InDelta(t, want, s, 1e-6)
		}
	})

	t.Run("regression", func(t *testing.T) {
		preds, err := newTestClassifier(t, testModelConfig(backbone.StyleEncoder, 1)).Classify(context.Background(), []string{"good"})
		require.NoError(t, err)
		assert.Equal(t, preds[0].Logits, preds[0].Scores)
		assert.Equal(t, 0, preds[0].LabelID)
	})
}

func TestNew_RejectsLargeVocabulary(t *testing.T) {
	cfg := testModelConfig(backbone.StyleEncoder, 2)
	cfg.VocabSize = 4
	m, err := classifier.NewFromConfig(cfg, device.NewCPUBackend())
	require.NoError(t, err)
	tok, err := tokenizer.NewFromVocab(testVocab)
	require.NoError(t, err)

	_, err = New(m, tok)
	require.Error(t, err)
}

func TestScores(t *testing.T) {
	logits := []float32{1, 2, 3}

	soft := Scores(classifier.SingleLabelClassification, logits)
	var sum float32
	for _, v := range soft {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, soft[2], soft[1])

	sig := Scores(classifier.MultiLabelClassification, []float32{0})
	assert.InDelta(t, 0.5, sig[0], 1e-7)

	assert.Equal(t, logits, Scores(classifier.Regression, logits))
	assert.Equal(t, 0, argmax([]float32{1, 1}))
}
