package classifier

import (
	"github.com/23skdu/fletcher-heads/internal/backbone"
	"github.com/23skdu/fletcher-heads/internal/device"
)

// Output is the structured forward result.
type Output struct {
	// Loss is nil when no labels were supplied.
	Loss   *float32
	Logits device.Tensor // (batch, num_labels)
	// HiddenStates is always nil: the bundle is consumed by the head and
	// not retained.
	HiddenStates  []device.Tensor
	Attentions    []device.Tensor
	PastKeyValues backbone.Cache // decoder style only
	Diagnostics   []Diagnostic
}

// Tuple is the positional forward result: loss (if any), logits, past key
// values (if any), attentions (if any).
type Tuple []any

// Tuple converts o to its positional form, omitting absent entries.
func (o *Output) Tuple() Tuple {
	t := make(Tuple, 0, 4)
	if o.Loss != nil {
		t = append(t, *o.Loss)
	}
	t = append(t, o.Logits)
	if o.PastKeyValues != nil {
		t = append(t, o.PastKeyValues)
	}
	if o.Attentions != nil {
		t = append(t, o.Attentions)
	}
	return t
}
