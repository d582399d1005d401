package device

import "log"

// ConcatCols joins tensors with equal row counts side by side.
func ConcatCols(b Backend, parts ...Tensor) Tensor {
	if len(parts) == 0 {
		log.Panic("ConcatCols: no tensors")
	}
	rows, _ := parts[0].Dims()
	total := 0
	for _, p := range parts {
		r, c := p.Dims()
		if r != rows {
			log.Panicf("ConcatCols: row mismatch %d != %d", r, rows)
		}
		total += c
	}

	out := b.NewTensor(rows, total, nil)
	offset := 0
	for _, p := range parts {
		SetBlock(out, 0, offset, p)
		_, c := p.Dims()
		offset += c
	}
	return out
}

// ConcatRows stacks tensors with equal column counts vertically.
func ConcatRows(b Backend, parts ...Tensor) Tensor {
	if len(parts) == 0 {
		log.Panic("ConcatRows: no tensors")
	}
	_, cols := parts[0].Dims()
	total := 0
	for _, p := range parts {
		r, c := p.Dims()
		if c != cols {
			log.Panicf("ConcatRows: column mismatch %d != %d", c, cols)
		}
		total += r
	}

	out := b.NewTensor(total, cols, nil)
	offset := 0
	for _, p := range parts {
		SetBlock(out, offset, 0, p)
		r, _ := p.Dims()
		offset += r
	}
	return out
}

// SetBlock writes src into dst with its top-left corner at (row, col).
func SetBlock(dst Tensor, row, col int, src Tensor) {
	dr, dc := dst.Dims()
	sr, sc := src.Dims()
	if row+sr > dr || col+sc > dc {
		log.Panicf("SetBlock: %dx%d block at (%d,%d) exceeds %dx%d", sr, sc, row, col, dr, dc)
	}

	dstData, srcData := dst.Data(), src.Data()
	if dstData != nil && srcData != nil {
		for i := 0; i < sr; i++ {
			start := (row+i)*dc + col
			copy(dstData[start:start+sc], srcData[i*sc:(i+1)*sc])
		}
		return
	}
	for i := 0; i < sr; i++ {
		for j := 0; j < sc; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

// Clone returns a copy of t.
func Clone(b Backend, t Tensor) Tensor {
	r, c := t.Dims()
	return b.NewTensor(r, c, t.ToHost())
}
