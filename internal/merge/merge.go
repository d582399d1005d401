// Package merge folds LoRA adapters into a base checkpoint.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/fletcher-heads/internal/simd"
	"github.com/23skdu/fletcher-heads/internal/weights"
)

// ErrMissingTarget is returned when an adapter tensor has no base tensor.
var ErrMissingTarget = errors.New("merge: adapter targets a missing tensor")

// ErrShapeMismatch is returned when an update does not fit its target.
var ErrShapeMismatch = errors.New("merge: shape mismatch")

// Report lists the base tensors touched by a merge.
type Report struct {
	Merged   []string
	Replaced []string
}

type loraPair struct {
	a, b      *weights.Tensor
	embedding bool
}

// normalizeName strips the adapter wrapper prefix and adapter-name
// segments so names line up with the base checkpoint.
func normalizeName(name string) string {
	name = strings.TrimPrefix(name, "base_model.model.")
	for _, seg := range []string{".modules_to_save.default", ".modules_to_save", ".original_module", ".default"} {
		name = strings.ReplaceAll(name, seg, "")
	}
	return name
}

// splitLoRA returns the module path and LoRA role of an adapter tensor name.
func splitLoRA(name string) (module, role string, ok bool) {
	for _, r := range []string{"lora_A", "lora_B", "lora_embedding_A", "lora_embedding_B"} {
		marker := "." + r
		if i := strings.Index(name, marker); i >= 0 {
			return name[:i], r, true
		}
	}
	return "", "", false
}

// Merge applies the adapter to base in place. Each LoRA pair updates
// <module>.weight by scale·B·A; any other adapter tensor replaces the base
// tensor of the same name.
func Merge(base, adapter *weights.File, cfg AdapterConfig) (Report, error) {
	var report Report
	pairs := map[string]*loraPair{}
	plain := map[string]*weights.Tensor{}

	for _, name := range adapter.Names() {
		t := adapter.Tensors[name]
		norm := normalizeName(name)
		module, role, ok := splitLoRA(norm)
		if !ok {
			plain[norm] = t
			continue
		}
		p := pairs[module]
		if p == nil {
			p = &loraPair{}
			pairs[module] = p
		}
		switch role {
		case "lora_A", "lora_embedding_A":
			p.a = t
		default:
			p.b = t
		}
		p.embedding = p.embedding || strings.HasPrefix(role, "lora_embedding")
	}

	modules := make([]string, 0, len(pairs))
	for m := range pairs {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	scale := cfg.Scale()
	for _, module := range modules {
		p := pairs[module]
		if p.a == nil || p.b == nil {
			return report, fmt.Errorf("merge: %s has an incomplete LoRA pair", module)
		}
		target := module + ".weight"
		w, ok := base.Tensors[target]
		if !ok {
			return report, fmt.Errorf("%w: %s", ErrMissingTarget, target)
		}
		// Embedding tables are stored (vocab, hidden), the transpose of B·A.
		if err := applyDelta(w, p.a, p.b, scale, cfg.FanInFanOut || p.embedding); err != nil {
			return report, fmt.Errorf("%s: %w", target, err)
		}
		report.Merged = append(report.Merged, target)
	}

	names := make([]string, 0, len(plain))
	for name := range plain {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := plain[name]
		old, ok := base.Tensors[name]
		if !ok {
			return report, fmt.Errorf("%w: %s", ErrMissingTarget, name)
		}
		if !sameShape(old.Shape, t.Shape) {
			return report, fmt.Errorf("%w: %s is %v, replacement is %v", ErrShapeMismatch, name, old.Shape, t.Shape)
		}
		// Float replacements are written back in the base dtype
		replacement := *t
		if t.Data != nil {
			replacement.DType = old.DType
		}
		base.Tensors[name] = &replacement
		report.Replaced = append(report.Replaced, name)
	}
	return report, nil
}

// applyDelta adds scale·B·A to w. A is (r, in) and B is (out, r); with
// transposed set w holds (in, out).
func applyDelta(w, a, b *weights.Tensor, scale float64, transposed bool) error {
	ar, ac, err := a.Matrix()
	if err != nil {
		return err
	}
	br, bc, err := b.Matrix()
	if err != nil {
		return err
	}
	wr, wc, err := w.Matrix()
	if err != nil {
		return err
	}
	if bc != ar {
		return fmt.Errorf("%w: lora_B %dx%d cannot multiply lora_A %dx%d", ErrShapeMismatch, br, bc, ar, ac)
	}
	outR, outC := br, ac
	if transposed {
		outR, outC = ac, br
	}
	if wr != outR || wc != outC {
		return fmt.Errorf("%w: weight is %dx%d, update is %dx%d", ErrShapeMismatch, wr, wc, outR, outC)
	}
	if w.Data == nil || a.Data == nil || b.Data == nil {
		return fmt.Errorf("%w: non-float tensor", ErrShapeMismatch)
	}

	var delta mat.Dense
	delta.Mul(dense(br, bc, b.Data), dense(ar, ac, a.Data))
	var view mat.Matrix = &delta
	if transposed {
		view = delta.T()
	}
	update := make([]float32, wc)
	for i := 0; i < wr; i++ {
		for j := range update {
			update[j] = float32(view.At(i, j))
		}
		simd.VecAddScaled(w.Data[i*wc:(i+1)*wc], update, float32(scale))
	}
	return nil
}

func dense(r, c int, data []float32) *mat.Dense {
	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	return mat.NewDense(r, c, values)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
