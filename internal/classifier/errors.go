package classifier

import (
	"errors"
	"fmt"

	"github.com/23skdu/fletcher-heads/internal/backbone"
)

var (
	ErrShapeMismatch    = errors.New("classifier: shape mismatch")
	ErrLabelDType       = errors.New("classifier: label dtype not valid for problem type")
	ErrLabelOutOfRange  = errors.New("classifier: class label out of range")
	ErrProblemTypeUnset = errors.New("classifier: problem type unset")
	ErrInvalidConfig    = errors.New("classifier: invalid config")
	ErrNoInput          = backbone.ErrNoInput
)

// MissingHiddenStateError is returned when a fusion head is run without the
// intermediate hidden state it combines with the final features.
type MissingHiddenStateError struct {
	Variant Variant
	// Layer is the negative hidden-state index the variant reads.
	Layer int
}

func (e *MissingHiddenStateError) Error() string {
	return fmt.Sprintf("classifier: %s head needs hidden_states[%d] but none was supplied", e.Variant, e.Layer)
}

// UnsupportedBatchConfigurationError is returned by decoder pooling when no
// pad token is configured and the batch holds more than one example.
type UnsupportedBatchConfigurationError struct {
	BatchSize int
}

func (e *UnsupportedBatchConfigurationError) Error() string {
	return fmt.Sprintf("classifier: cannot handle batch size %d without a pad token id", e.BatchSize)
}
