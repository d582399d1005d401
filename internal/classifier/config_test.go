package classifier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-heads/internal/backbone"
)

const robertaConfig = `{
  "architectures": ["RobertaForSequenceClassification"],
  "model_type": "roberta",
  "hidden_size": 768,
  "num_hidden_layers": 12,
  "num_attention_heads": 12,
  "intermediate_size": 3072,
  "hidden_dropout_prob": 0.1,
  "classifier_dropout": null,
  "pad_token_id": 1,
  "vocab_size": 50265,
  "max_position_embeddings": 514,
  "type_vocab_size": 1,
  "layer_norm_eps": 1e-05,
  "id2label": {"0": "negative", "1": "neutral", "2": "positive"},
  "head_variant": "concat",
  "use_hidden_states": true
}`

const gpt2Config = `{
  "model_type": "gpt2",
  "n_embd": 64,
  "n_layer": 2,
  "n_head": 4,
  "n_inner": null,
  "n_positions": 128,
  "resid_pdrop": 0.2,
  "layer_norm_epsilon": 1e-05,
  "vocab_size": 100,
  "problem_type": "regression",
  "num_labels": 1
}`

func TestConfigFromJSON(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(robertaConfig), &cfg))

	assert.Equal(t, 768, cfg.HiddenSize)
	assert.Equal(t, 3, cfg.NumLabels, "num_labels derives from id2label")
	assert.Nil(t, cfg.ClassifierDropout)
	assert.InDelta(t, 0.1, cfg.Dropout(), 1e-12)
	require.NotNil(t, cfg.PadTokenID)
	assert.Equal(t, 1, *cfg.PadTokenID)
	assert.Equal(t, VariantConcat, cfg.HeadVariant)
	assert.Equal(t, backbone.StyleEncoder, cfg.BackboneStyle)
	assert.True(t, cfg.UseHiddenStates)
	assert.True(t, cfg.UseReturnDict)
	assert.Equal(t, ProblemTypeUnset, cfg.ProblemType)
	assert.Equal(t, "positive", cfg.Label(2))
	assert.Equal(t, "LABEL_7", cfg.Label(7))
	assert.Equal(t, []string{"negative", "neutral", "positive"}, cfg.Labels())
	require.NoError(t, cfg.Validate())
}

func TestConfigAliases(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(gpt2Config), &cfg))

	assert.Equal(t, 64, cfg.HiddenSize)
	assert.Equal(t, 2, cfg.NumHiddenLayers)
	assert.Equal(t, 4, cfg.NumAttentionHeads)
	assert.Equal(t, 256, cfg.IntermediateSize)
	assert.Equal(t, 128, cfg.MaxPositionEmbeddings)
	assert.InDelta(t, 0.2, cfg.Dropout(), 1e-12)
	assert.InDelta(t, 1e-5, cfg.LayerNormEps, 1e-12)
	assert.Equal(t, backbone.StyleDecoder, cfg.BackboneStyle)
	assert.Equal(t, 0, cfg.TypeVocabSize)
	assert.Equal(t, Regression, cfg.ProblemType)
	assert.Nil(t, cfg.PadTokenID)

	bb := cfg.BackboneConfig()
	assert.Equal(t, backbone.StyleDecoder, bb.Style)
	require.NoError(t, bb.Validate())
}

func TestConfigClassifierDropoutWins(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{"hidden_size": 8, "classifier_dropout": 0.3, "hidden_dropout_prob": 0.1}`), &cfg))
	assert.InDelta(t, 0.3, cfg.Dropout(), 1e-12)
}

func TestConfigRoundTrip(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(robertaConfig), &cfg))

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, cfg.Save(path))

	raw := map[string]any{}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{"RobertaForSequenceClassification"}, raw["architectures"])
	assert.Nil(t, raw["problem_type"])
	assert.Nil(t, raw["classifier_dropout"])

	back, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.HiddenSize, back.HiddenSize)
	assert.Equal(t, cfg.ID2Label, back.ID2Label)
	assert.Equal(t, cfg.HeadVariant, back.HeadVariant)
	assert.Equal(t, cfg.PadTokenID, back.PadTokenID)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model_type: gpt2
n_embd: 16
n_head: 2
n_layer: 1
vocab_size: 40
pad_token_id: 0
head_variant: project_concat
id2label:
  0: ham
  1: spam
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.HiddenSize)
	assert.Equal(t, 2, cfg.NumLabels)
	assert.Equal(t, "spam", cfg.Label(1))
	assert.Equal(t, VariantProjectConcat, cfg.HeadVariant)
	assert.Equal(t, backbone.StyleDecoder, cfg.BackboneStyle)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"hidden size", func(c *Config) { c.HiddenSize = 0 }},
		{"num labels", func(c *Config) { c.NumLabels = 0 }},
		{"heads", func(c *Config) { c.NumAttentionHeads = 3 }},
		{"dropout", func(c *Config) { d := 1.0; c.ClassifierDropout = &d }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	var cfg Config
	err := json.Unmarshal([]byte(`{"problem_type": "ranking"}`), &cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
