package classifier

import (
	"fmt"

	"github.com/23skdu/fletcher-heads/internal/device"
)

// DiagnosticKind classifies non-fatal pooling problems.
type DiagnosticKind int

const (
	// DiagnosticPaddingUndetectable means a pad token is configured but only
	// embeddings were supplied, so padded examples may pool the wrong token.
	DiagnosticPaddingUndetectable DiagnosticKind = iota + 1
)

func (k DiagnosticKind) String() string {
	if k == DiagnosticPaddingUndetectable {
		return "padding_undetectable"
	}
	return "unknown"
}

// Diagnostic is a warning raised while pooling.
type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
}

// PoolFirst selects the first token of every example from a
// (batch*seqLen, hidden) sequence.
func PoolFirst(seq device.Tensor, batch, seqLen int) (device.Tensor, error) {
	if r, _ := seq.Dims(); r != batch*seqLen {
		return nil, fmt.Errorf("%w: sequence has %d rows, want %d", ErrShapeMismatch, r, batch*seqLen)
	}
	indices := make([]int, batch)
	for b := range indices {
		indices[b] = b * seqLen
	}
	return seq.Gather(indices), nil
}

// LastTokenPositions returns, per example, the position of the last real
// token: the first pad position minus one, wrapped into [0, seqLen). An
// example without padding, or one that starts with pad, selects the last
// position. ids is nil when the caller supplied embeddings only.
func LastTokenPositions(ids [][]int, batch, seqLen int, padTokenID *int) ([]int, []Diagnostic, error) {
	if padTokenID == nil && batch != 1 {
		return nil, nil, &UnsupportedBatchConfigurationError{BatchSize: batch}
	}

	positions := make([]int, batch)
	var diagnostics []Diagnostic
	switch {
	case padTokenID == nil:
		fill(positions, -1)
	case ids == nil:
		fill(positions, -1)
		diagnostics = append(diagnostics, Diagnostic{
			Kind:    DiagnosticPaddingUndetectable,
			Message: "pad tokens cannot be detected in inputs embeds; results may be unexpected if padding is used with inputs embeds",
		})
	default:
		if len(ids) != batch {
			return nil, nil, fmt.Errorf("%w: %d id rows, batch is %d", ErrShapeMismatch, len(ids), batch)
		}
		for b, row := range ids {
			// argmax over (row == pad) is 0 when nothing matches
			first := 0
			for i, id := range row {
				if id == *padTokenID {
					first = i
					break
				}
			}
			positions[b] = first - 1
		}
	}

	for b, p := range positions {
		if p < 0 {
			positions[b] = p + seqLen
		}
	}
	return positions, diagnostics, nil
}

// GatherPositions selects row b*seqLen+positions[b] for every example.
func GatherPositions(seq device.Tensor, seqLen int, positions []int) (device.Tensor, error) {
	r, _ := seq.Dims()
	if r != len(positions)*seqLen {
		return nil, fmt.Errorf("%w: sequence has %d rows, want %d", ErrShapeMismatch, r, len(positions)*seqLen)
	}
	indices := make([]int, len(positions))
	for b, p := range positions {
		if p < 0 || p >= seqLen {
			return nil, fmt.Errorf("%w: position %d outside sequence of %d", ErrShapeMismatch, p, seqLen)
		}
		indices[b] = b*seqLen + p
	}
	return seq.Gather(indices), nil
}

func fill(v []int, x int) {
	for i := range v {
		v[i] = x
	}
}
