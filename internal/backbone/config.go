package backbone

import (
	"fmt"
)

// Config describes the transformer.
type Config struct {
	Style                 Style
	VocabSize             int
	HiddenSize            int
	NumHiddenLayers       int
	NumAttentionHeads     int
	IntermediateSize      int
	MaxPositionEmbeddings int
	// TypeVocabSize is ignored by decoders, which carry no segment embeddings.
	TypeVocabSize    int
	LayerNormEps     float32
	HiddenDropout    float64
	AttentionDropout float64
	Seed             int64
}

// DefaultTinyConfig returns a BERT-Tiny sized configuration.
func DefaultTinyConfig(style Style) Config {
	return Config{
		Style:                 style,
		VocabSize:             30522,
		HiddenSize:            128,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      512,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
		HiddenDropout:         0.1,
		AttentionDropout:      0.1,
	}
}

func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("backbone: vocab size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("backbone: hidden size must be positive, got %d", c.HiddenSize)
	case c.NumHiddenLayers < 0:
		return fmt.Errorf("backbone: negative layer count %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("backbone: %d heads do not divide hidden size %d", c.NumAttentionHeads, c.HiddenSize)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("backbone: intermediate size must be positive, got %d", c.IntermediateSize)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("backbone: max position embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.HiddenDropout < 0 || c.HiddenDropout >= 1 || c.AttentionDropout < 0 || c.AttentionDropout >= 1:
		return fmt.Errorf("backbone: dropout rates must be in [0, 1)")
	}
	return nil
}
