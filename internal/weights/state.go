package weights

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-heads/internal/nn"
)

// ErrMissingTensor is returned by strict loads when a parameter has no
// checkpoint entry.
var ErrMissingTensor = errors.New("weights: missing tensor")

// Report summarises a load.
type Report struct {
	Loaded     int
	Missing    []string
	Unexpected []string
}

// StateDict exports params in checkpoint layout: Linear weights become
// (out, in) and vectors are one-dimensional.
func StateDict(params []nn.Param, dtype DType) *File {
	f := NewFile()
	for _, p := range params {
		r, c := p.Tensor.Dims()
		data := p.Tensor.ToHost()

		var shape []int
		switch {
		case p.Linear:
			data = transpose(data, r, c)
			shape = []int{c, r}
		case r == 1:
			shape = []int{c}
		default:
			shape = []int{r, c}
		}
		f.Tensors[p.Name] = &Tensor{DType: dtype, Shape: shape, Data: data}
	}
	return f
}

// Load copies checkpoint tensors into params. With strict set, any
// parameter without an entry fails the load.
func Load(params []nn.Param, f *File, strict bool) (Report, error) {
	var report Report
	seen := make(map[string]bool, len(params))

	for _, p := range params {
		seen[p.Name] = true
		t, ok := f.Tensors[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			continue
		}
		if t.Data == nil {
			return report, fmt.Errorf("weights: tensor %s has non-float dtype %s", p.Name, t.DType)
		}

		r, c := p.Tensor.Dims()
		wantR, wantC := r, c
		if p.Linear {
			wantR, wantC = c, r
		}
		gotR, gotC, err := t.Matrix()
		if err != nil {
			return report, fmt.Errorf("weights: %s: %w", p.Name, err)
		}
		if gotR*gotC != wantR*wantC || (len(t.Shape) == 2 && (gotR != wantR || gotC != wantC)) {
			return report, fmt.Errorf("weights: %s has shape %v, parameter wants %dx%d", p.Name, t.Shape, wantR, wantC)
		}

		data := t.Data
		if p.Linear {
			data = transpose(data, wantR, wantC)
		}
		p.Tensor.CopyFromFloat32(data)
		report.Loaded++
	}

	for name := range f.Tensors {
		if !seen[name] {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Unexpected)

	if strict && len(report.Missing) > 0 {
		return report, fmt.Errorf("%w: %v", ErrMissingTensor, report.Missing)
	}
	return report, nil
}

// LoadFile reads path and loads it into params.
func LoadFile(path string, params []nn.Param, strict bool) (Report, error) {
	f, err := ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	report, err := Load(params, f, strict)
	if err != nil {
		return report, err
	}
	log.Debug().
		Str("path", path).
		Int("loaded", report.Loaded).
		Int("missing", len(report.Missing)).
		Int("unexpected", len(report.Unexpected)).
		Msg("Loaded weights")
	return report, nil
}

// SaveFile writes params to path as F32.
func SaveFile(path string, params []nn.Param) error {
	return WriteFile(path, StateDict(params, F32))
}

// transpose returns the (c, r) transpose of row-major (r, c) data.
func transpose(data []float32, r, c int) []float32 {
	out := make([]float32, len(data))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j*r+i] = data[i*c+j]
		}
	}
	return out
}
