package device

// Tensor represents a two-dimensional float32 matrix resident on a backend.
// Sequence data is flattened to (batch*seqLen, features), one row per token.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if it is contiguous on the host (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Slice returns a copy of rows [i, k) and columns [j, l).
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a 1xN bias vector to each row.
	AddBias(bias Tensor)

	// Activation functions (In-Place)
	Softmax()
	Gelu()
	ReLU()

	// LayerNorm performs layer normalization (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// ExtractTo splits the tensor rows into destination[startRow:].
	ExtractTo(destination [][]float32, startRow int)
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
	ActivationReLU
)

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)
}

// Activate applies the activation in-place.
func Activate(t Tensor, activation ActivationType) {
	switch activation {
	case ActivationGELU:
		t.Gelu()
	case ActivationReLU:
		t.ReLU()
	case ActivationIdentity:
	}
}
