package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/fletcher-heads/internal/backbone"
)

// decoderModelTypes default to decoder-style pooling and the score head.
var decoderModelTypes = map[string]bool{
	"gpt2":     true,
	"gpt_neox": true,
	"llama":    true,
	"mistral":  true,
}

// Config is the model configuration in Hugging Face config.json layout.
// Unknown keys survive a Load/Save round trip.
type Config struct {
	ModelType string

	HiddenSize        int
	NumLabels         int
	ClassifierDropout *float64
	HiddenDropoutProb float64
	ProblemType       ProblemType
	PadTokenID        *int
	UseHiddenStates   bool
	UseReturnDict     bool

	HeadVariant   Variant
	BackboneStyle backbone.Style

	VocabSize                 int
	NumHiddenLayers           int
	NumAttentionHeads         int
	IntermediateSize          int
	MaxPositionEmbeddings     int
	TypeVocabSize             int
	LayerNormEps              float64
	AttentionProbsDropoutProb float64

	ID2Label map[int]string
	Label2ID map[string]int

	extra map[string]json.RawMessage
}

// DefaultConfig returns a small encoder config with two labels.
func DefaultConfig() Config {
	return Config{
		ModelType:                 "bert",
		HiddenSize:                128,
		NumLabels:                 2,
		HiddenDropoutProb:         0.1,
		UseReturnDict:             true,
		VocabSize:                 30522,
		NumHiddenLayers:           2,
		NumAttentionHeads:         2,
		IntermediateSize:          512,
		MaxPositionEmbeddings:     512,
		TypeVocabSize:             2,
		LayerNormEps:              1e-12,
		AttentionProbsDropoutProb: 0.1,
	}
}

// knownKeys are decoded into typed fields, aliases included.
var knownKeys = []string{
	"model_type", "hidden_size", "n_embd", "num_labels", "classifier_dropout",
	"hidden_dropout_prob", "resid_pdrop", "problem_type", "pad_token_id",
	"use_hidden_states", "use_return_dict", "head_variant", "backbone_style",
	"vocab_size", "num_hidden_layers", "n_layer", "num_attention_heads", "n_head",
	"intermediate_size", "n_inner", "max_position_embeddings", "n_positions",
	"type_vocab_size", "layer_norm_eps", "layer_norm_epsilon",
	"attention_probs_dropout_prob", "attn_pdrop", "id2label", "label2id",
}

func (c *Config) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d := decoder{raw: raw}

	*c = DefaultConfig()
	d.get(&c.ModelType, "model_type")
	d.get(&c.HiddenSize, "hidden_size", "n_embd")
	d.get(&c.HiddenDropoutProb, "hidden_dropout_prob", "resid_pdrop")
	d.get(&c.ClassifierDropout, "classifier_dropout")
	d.get(&c.PadTokenID, "pad_token_id")
	d.get(&c.UseHiddenStates, "use_hidden_states")
	d.get(&c.UseReturnDict, "use_return_dict")
	d.get(&c.VocabSize, "vocab_size")
	d.get(&c.NumHiddenLayers, "num_hidden_layers", "n_layer")
	d.get(&c.NumAttentionHeads, "num_attention_heads", "n_head")
	d.get(&c.MaxPositionEmbeddings, "max_position_embeddings", "n_positions")
	d.get(&c.TypeVocabSize, "type_vocab_size")
	d.get(&c.LayerNormEps, "layer_norm_eps", "layer_norm_epsilon")
	d.get(&c.AttentionProbsDropoutProb, "attention_probs_dropout_prob", "attn_pdrop")

	var problem, variant, style *string
	d.get(&problem, "problem_type")
	d.get(&variant, "head_variant")
	d.get(&style, "backbone_style")

	var inter *int
	d.get(&inter, "intermediate_size", "n_inner")

	var id2label map[string]string
	d.get(&id2label, "id2label")
	d.get(&c.Label2ID, "label2id")
	if d.err != nil {
		return d.err
	}

	if problem != nil {
		p, err := ParseProblemType(*problem)
		if err != nil {
			return err
		}
		c.ProblemType = p
	}
	if variant != nil {
		v, err := ParseVariant(*variant)
		if err != nil {
			return err
		}
		c.HeadVariant = v
	}
	if style != nil {
		s, err := backbone.ParseStyle(*style)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.BackboneStyle = s
	} else if decoderModelTypes[c.ModelType] {
		c.BackboneStyle = backbone.StyleDecoder
	}
	if inter != nil && *inter > 0 {
		c.IntermediateSize = *inter
	} else {
		c.IntermediateSize = 4 * c.HiddenSize
	}
	if c.BackboneStyle == backbone.StyleDecoder {
		if _, ok := raw["type_vocab_size"]; !ok {
			c.TypeVocabSize = 0
		}
	}

	if id2label != nil {
		c.ID2Label = make(map[int]string, len(id2label))
		for k, v := range id2label {
			id, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("%w: id2label key %q", ErrInvalidConfig, k)
			}
			c.ID2Label[id] = v
		}
	}
	if _, ok := raw["num_labels"]; ok {
		d.get(&c.NumLabels, "num_labels")
	} else if len(c.ID2Label) > 0 {
		c.NumLabels = len(c.ID2Label)
	}

	for _, k := range knownKeys {
		delete(raw, k)
	}
	c.extra = raw
	return d.err
}

func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+24)
	for k, v := range c.extra {
		out[k] = v
	}

	var problem any
	if c.ProblemType != ProblemTypeUnset {
		problem = c.ProblemType.String()
	}
	id2label := make(map[string]string, len(c.ID2Label))
	for id, name := range c.ID2Label {
		id2label[strconv.Itoa(id)] = name
	}

	out["model_type"] = c.ModelType
	out["hidden_size"] = c.HiddenSize
	out["num_labels"] = c.NumLabels
	out["classifier_dropout"] = c.ClassifierDropout
	out["hidden_dropout_prob"] = c.HiddenDropoutProb
	out["problem_type"] = problem
	out["pad_token_id"] = c.PadTokenID
	out["use_hidden_states"] = c.UseHiddenStates
	out["use_return_dict"] = c.UseReturnDict
	out["head_variant"] = c.HeadVariant.String()
	out["backbone_style"] = c.BackboneStyle.String()
	out["vocab_size"] = c.VocabSize
	out["num_hidden_layers"] = c.NumHiddenLayers
	out["num_attention_heads"] = c.NumAttentionHeads
	out["intermediate_size"] = c.IntermediateSize
	out["max_position_embeddings"] = c.MaxPositionEmbeddings
	out["type_vocab_size"] = c.TypeVocabSize
	out["layer_norm_eps"] = c.LayerNormEps
	out["attention_probs_dropout_prob"] = c.AttentionProbsDropoutProb
	if len(id2label) > 0 {
		out["id2label"] = id2label
	}
	if len(c.Label2ID) > 0 {
		out["label2id"] = c.Label2ID
	}
	return json.Marshal(out)
}

type decoder struct {
	raw map[string]json.RawMessage
	err error
}

// get decodes the first present key into dst.
func (d *decoder) get(dst any, keys ...string) {
	if d.err != nil {
		return
	}
	for _, k := range keys {
		v, ok := d.raw[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			d.err = fmt.Errorf("%w: field %s: %v", ErrInvalidConfig, k, err)
		}
		return
	}
}

// Validate rejects configs the heads cannot be built from.
func (c Config) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be positive, got %d", ErrInvalidConfig, c.HiddenSize)
	case c.NumLabels <= 0:
		return fmt.Errorf("%w: num_labels must be positive, got %d", ErrInvalidConfig, c.NumLabels)
	case c.NumAttentionHeads > 0 && c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("%w: %d attention heads do not divide hidden_size %d", ErrInvalidConfig, c.NumAttentionHeads, c.HiddenSize)
	}
	if d := c.Dropout(); d < 0 || d >= 1 {
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrInvalidConfig, d)
	}
	return nil
}

// Dropout is classifier_dropout when set, else hidden_dropout_prob.
func (c Config) Dropout() float64 {
	if c.ClassifierDropout != nil {
		return *c.ClassifierDropout
	}
	return c.HiddenDropoutProb
}

// Label names a class index, falling back to LABEL_<i>.
func (c Config) Label(i int) string {
	if name, ok := c.ID2Label[i]; ok {
		return name
	}
	return "LABEL_" + strconv.Itoa(i)
}

// Labels lists the class names in index order.
func (c Config) Labels() []string {
	names := make([]string, c.NumLabels)
	for i := range names {
		names[i] = c.Label(i)
	}
	return names
}

// BackboneConfig derives the transformer configuration.
func (c Config) BackboneConfig() backbone.Config {
	return backbone.Config{
		Style:                 c.BackboneStyle,
		VocabSize:             c.VocabSize,
		HiddenSize:            c.HiddenSize,
		NumHiddenLayers:       c.NumHiddenLayers,
		NumAttentionHeads:     c.NumAttentionHeads,
		IntermediateSize:      c.IntermediateSize,
		MaxPositionEmbeddings: c.MaxPositionEmbeddings,
		TypeVocabSize:         c.TypeVocabSize,
		LayerNormEps:          float32(c.LayerNormEps),
		HiddenDropout:         c.HiddenDropoutProb,
		AttentionDropout:      c.AttentionProbsDropoutProb,
	}
}

// LoadConfig reads a JSON or, by extension, YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if data, err = json.Marshal(jsonCompatible(doc)); err != nil {
			return cfg, fmt.Errorf("convert config %s: %w", path, err)
		}
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config.json content to path.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// jsonCompatible rewrites YAML maps with non-string keys, such as id2label
// with integer keys, so encoding/json accepts them.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = jsonCompatible(inner)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[fmt.Sprint(k)] = jsonCompatible(inner)
		}
		return out
	case []any:
		for i, inner := range t {
			t[i] = jsonCompatible(inner)
		}
		return t
	}
	return v
}
