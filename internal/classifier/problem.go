package classifier

import (
	"fmt"
)

// ProblemType selects the loss.
type ProblemType int32

const (
	ProblemTypeUnset ProblemType = iota
	Regression
	SingleLabelClassification
	MultiLabelClassification
)

var problemTypeNames = map[ProblemType]string{
	Regression:                "regression",
	SingleLabelClassification: "single_label_classification",
	MultiLabelClassification:  "multi_label_classification",
}

func (p ProblemType) String() string {
	if name, ok := problemTypeNames[p]; ok {
		return name
	}
	return "unset"
}

// ParseProblemType accepts the Hugging Face names; "" and "null" are unset.
func ParseProblemType(s string) (ProblemType, error) {
	if s == "" || s == "null" {
		return ProblemTypeUnset, nil
	}
	for p, name := range problemTypeNames {
		if name == s {
			return p, nil
		}
	}
	return ProblemTypeUnset, fmt.Errorf("%w: unknown problem type %q", ErrInvalidConfig, s)
}

func (p ProblemType) MarshalText() ([]byte, error) {
	if p == ProblemTypeUnset {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

func (p *ProblemType) UnmarshalText(text []byte) error {
	v, err := ParseProblemType(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ResolveProblemType infers the problem type from the label count and the
// label element type.
func ResolveProblemType(numLabels int, labels *Labels) ProblemType {
	switch {
	case numLabels == 1:
		return Regression
	case numLabels > 1 && labels.IsInteger():
		return SingleLabelClassification
	default:
		return MultiLabelClassification
	}
}
