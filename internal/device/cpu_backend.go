package device

import (
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/fletcher-heads/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		poolMisses.Inc()
		ct = &CPUTensor{}
	} else {
		poolHits.Inc()
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.trans {
		// Don't pool foreign tensors or views sharing another tensor's storage
		return
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFromFloat32: size mismatch. Target: %d, Source: %d", len(t.data), len(data))
	}
	if t.trans {
		rows, cols := t.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				t.Set(i, j, data[i*cols+j])
			}
		}
		return
	}
	copy(t.data, data)
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j

	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil).(*CPUTensor)
	if !t.trans && j == 0 && l == t.cols {
		copy(out.data, t.data[i*t.cols:k*t.cols])
		return out
	}
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.data[rowIdx*sliceCols+colIdx] = t.At(i+rowIdx, j+colIdx)
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

// general exposes the physical storage as a BLAS matrix together with the
// transpose flag describing its logical orientation.
func (t *CPUTensor) general() (blas32.General, blas.Transpose) {
	g := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
	if t.trans {
		return g, blas.Trans
	}
	return g, blas.NoTrans
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	if t.trans {
		log.Panic("Mul into transposed tensor views not supported")
	}

	ga, tA := ma.general()
	gb, tB := mb.general()
	gc := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
	blas32.Gemm(tA, tB, 1, ga, gb, 0, gc)
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, t.At(i, j)+ot.At(i, j))
		}
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt, ok := bias.(*CPUTensor)
	if !ok {
		panic("Mixed backend AddBias")
	}
	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	br, bc := bt.Dims()
	if br != 1 && bc != 1 {
		panic("AddBias: bias must be a vector (1xN or Nx1)")
	}

	// A vector's physical storage is already in element order.
	biasData := bt.data
	if len(biasData) != c {
		log.Panicf("AddBias: bias length %d mismatch with tensor columns %d", len(biasData), c)
	}

	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.NewTensor(len(indices), c, nil).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panicf("Gather index %d out of bounds [0, %d)", idx, r)
		}
		if !t.trans {
			copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
			continue
		}
		for j := 0; j < c; j++ {
			out.data[i*c+j] = t.At(idx, j)
		}
	}

	return out
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		panic("Softmax on transposed")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		simd.SoftmaxFast(t.data[i*c : (i+1)*c])
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed tensor views directly")
	}
	simd.GeluFast(t.data)
}

func (t *CPUTensor) ReLU() {
	// Element-wise; layout does not matter.
	simd.ReLU(t.data)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gt, ok1 := gamma.(*CPUTensor)
	bt, ok2 := beta.(*CPUTensor)
	if !ok1 || !ok2 {
		panic("Mixed backend LN")
	}
	if t.trans {
		log.Panic("LayerNorm not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	gammaData, betaData := gt.data, bt.data
	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(c)
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := 0; j < c; j++ {
			row[j] = (row[j]-mean)*invStd*gammaData[j] + betaData[j]
		}
	}
}

func (t *CPUTensor) ExtractTo(destination [][]float32, startRow int) {
	r, c := t.Dims()
	var wg sync.WaitGroup
	for i := 0; i < r; i++ {
		dst := startRow + i
		if dst >= len(destination) {
			break
		}
		wg.Add(1)
		go func(row, dst int) {
			defer wg.Done()
			out := make([]float32, c)
			for j := 0; j < c; j++ {
				out[j] = t.At(row, j)
			}
			destination[dst] = out
		}(i, dst)
	}
	wg.Wait()
}
