package simd

import "math"

// ExpFast is a fast approximation of exp(x)
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation
func ExpFast(x float32) float32 {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	const log2e = 1.4426950408889634

	t := float64(x) * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// 2^f ≈ 1 + 0.6931*f + 0.2401*f^2 + 0.0554*f^3
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	return float32(math.Ldexp(p, k))
}

// TanhFast is a fast approximation of tanh(x)
func TanhFast(x float32) float32 {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}

	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	x2 := x * x
	return x * (27.0 + x2) / (27.0 + 9.0*x2)
}

// GeluFast applies fast GELU approximation in-place
func GeluFast(data []float32) {
	const (
		sqrt2overPi = 0.7978845608
		coeff       = 0.044715
	)
	for i, x := range data {
		data[i] = 0.5 * x * (1 + TanhFast(sqrt2overPi*(x+coeff*x*x*x)))
	}
}

// ReLU clamps negative values to zero in-place.
func ReLU(data []float32) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// SoftmaxFast applies fast softmax in-place to a row
func SoftmaxFast(row []float32) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		row[i] = ExpFast(v - max)
		sum += row[i]
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}
