package classifier

import "fmt"

// Variant names a head architecture.
type Variant int

const (
	// VariantSimple reads the final features only.
	VariantSimple Variant = iota
	// VariantConcat concatenates the final features with hidden_states[-2]
	// before projecting.
	VariantConcat
	// VariantProjectConcat projects the final features and hidden_states[-1]
	// independently and concatenates the projections.
	VariantProjectConcat
)

var variantNames = []string{"simple", "concat", "project_concat"}

func (v Variant) String() string {
	if v >= 0 && int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

func ParseVariant(s string) (Variant, error) {
	if s == "" {
		return VariantSimple, nil
	}
	for i, name := range variantNames {
		if name == s {
			return Variant(i), nil
		}
	}
	return VariantSimple, fmt.Errorf("%w: unknown head variant %q", ErrInvalidConfig, s)
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// HiddenStateIndex is the negative index into the hidden-state bundle of
// the second source, or 0 when the variant has none.
func (v Variant) HiddenStateIndex() int {
	switch v {
	case VariantConcat:
		return -2
	case VariantProjectConcat:
		return -1
	}
	return 0
}

// NeedsHiddenState reports whether the variant fuses a second source.
func (v Variant) NeedsHiddenState() bool {
	return v.HiddenStateIndex() != 0
}
