// Package backbone defines what the classification heads consume from a
// pretrained transformer and provides a small post-LN transformer that
// satisfies it in both encoder and decoder style.
package backbone

import (
	"errors"
	"fmt"

	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

var (
	ErrNoInput         = errors.New("backbone: input ids or input embeddings are required")
	ErrAmbiguousInput  = errors.New("backbone: input ids and input embeddings are mutually exclusive")
	ErrRaggedInput     = errors.New("backbone: sequences in a batch must share one length")
	ErrTokenOutOfRange = errors.New("backbone: token id out of range")
	ErrShapeMismatch   = errors.New("backbone: shape mismatch")
	ErrInvalidCache    = errors.New("backbone: invalid key/value cache")
)

// Style selects between bidirectional encoders and causal decoders.
type Style int

const (
	StyleEncoder Style = iota
	StyleDecoder
)

func (s Style) String() string {
	if s == StyleDecoder {
		return "decoder"
	}
	return "encoder"
}

// ParseStyle maps "encoder"/"decoder" to a Style.
func ParseStyle(s string) (Style, error) {
	switch s {
	case "encoder", "":
		return StyleEncoder, nil
	case "decoder":
		return StyleDecoder, nil
	}
	return StyleEncoder, fmt.Errorf("backbone: unknown style %q", s)
}

// Input is one forward request. Token-level fields are (batch, seqLen).
type Input struct {
	InputIDs [][]int
	// InputsEmbeds replaces InputIDs. It is (batch*seqLen, hidden) and needs
	// BatchSize and SeqLen to be set.
	InputsEmbeds device.Tensor
	BatchSize    int
	SeqLen       int

	// AttentionMask is 1 for visible and 0 for padded positions. With a
	// cache it may cover past+current positions or only the current ones.
	AttentionMask [][]int
	TokenTypeIDs  [][]int
	PositionIDs   [][]int

	PastKeyValues      Cache
	UseCache           bool
	OutputAttentions   bool
	OutputHiddenStates bool
}

// Shape returns the batch size and sequence length of the request.
func (in Input) Shape() (int, int, error) {
	switch {
	case in.InputIDs != nil && in.InputsEmbeds != nil:
		return 0, 0, ErrAmbiguousInput
	case in.InputIDs != nil:
		if len(in.InputIDs) == 0 || len(in.InputIDs[0]) == 0 {
			return 0, 0, ErrNoInput
		}
		seqLen := len(in.InputIDs[0])
		for _, row := range in.InputIDs {
			if len(row) != seqLen {
				return 0, 0, ErrRaggedInput
			}
		}
		return len(in.InputIDs), seqLen, nil
	case in.InputsEmbeds != nil:
		if in.BatchSize <= 0 || in.SeqLen <= 0 {
			return 0, 0, fmt.Errorf("%w: inputs embeds need batch size and sequence length", ErrShapeMismatch)
		}
		r, _ := in.InputsEmbeds.Dims()
		if r != in.BatchSize*in.SeqLen {
			return 0, 0, fmt.Errorf("%w: inputs embeds have %d rows, want %d", ErrShapeMismatch, r, in.BatchSize*in.SeqLen)
		}
		return in.BatchSize, in.SeqLen, nil
	}
	return 0, 0, ErrNoInput
}

// Output is what a backbone returns. Token-level tensors are flattened to
// (batch*seqLen, hidden).
type Output struct {
	LastHiddenState device.Tensor
	// HiddenStates holds the embedding output followed by every layer's
	// output (numLayers+1 entries) when requested, nil otherwise.
	HiddenStates []device.Tensor
	// Attentions holds one (batch*heads*seqLen, pastLen+seqLen) tensor per
	// layer when requested.
	Attentions    []device.Tensor
	PastKeyValues Cache
}

// LayerCache holds one layer's keys and values, (batch*pastLen, hidden).
type LayerCache struct {
	Key   device.Tensor
	Value device.Tensor
}

// Cache is the per-layer key/value cache of a decoder.
type Cache []LayerCache

// SeqLen returns the number of cached positions per example.
func (c Cache) SeqLen(batch int) int {
	if len(c) == 0 || c[0].Key == nil || batch == 0 {
		return 0
	}
	r, _ := c[0].Key.Dims()
	return r / batch
}

// Backbone produces token representations for a batch.
type Backbone interface {
	Forward(in Input) (*Output, error)
	// Params lists the backbone's weights with names relative to prefix.
	Params(prefix string) []nn.Param
}
