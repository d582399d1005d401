// Package weights reads and writes safetensors checkpoints and moves them in
// and out of a model's named parameters.
package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// DType is a safetensors element type.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	F64  DType = "F64"
)

// maxHeaderSize bounds the JSON header read from untrusted files.
const maxHeaderSize = 100 * 1024 * 1024

func (d DType) size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	}
	return 0
}

func (d DType) isFloat() bool {
	return d.size() > 0
}

// Tensor is a decoded checkpoint entry. Floating point dtypes are decoded to
// Data; other dtypes (position id buffers and the like) keep their bytes in
// Raw and are written back untouched.
type Tensor struct {
	DType DType
	Shape []int
	Data  []float32
	Raw   []byte
}

// NewTensor creates an F32 tensor.
func NewTensor(shape []int, data []float32) *Tensor {
	return &Tensor{DType: F32, Shape: shape, Data: data}
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Matrix returns the tensor as rows and columns. Vectors are one row.
func (t *Tensor) Matrix() (int, int, error) {
	switch len(t.Shape) {
	case 1:
		return 1, t.Shape[0], nil
	case 2:
		return t.Shape[0], t.Shape[1], nil
	}
	return 0, 0, fmt.Errorf("weights: tensor of rank %d is not a matrix", len(t.Shape))
}

// File is an in-memory safetensors checkpoint.
type File struct {
	Metadata map[string]string
	Tensors  map[string]*Tensor
}

func NewFile() *File {
	return &File{Tensors: map[string]*Tensor{}}
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type tensorHeader struct {
	DType       DType    `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadFile loads a checkpoint from disk.
func ReadFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	f, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return f, nil
}

// Read decodes a checkpoint.
func Read(r io.Reader) (*File, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("invalid header size: %d (too large)", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	f := NewFile()
	headers := make(map[string]tensorHeader, len(raw))
	var dataSize int64
	for name, value := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(value, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(value, &h); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tensor %s: %w", name, err)
		}
		if h.DataOffsets[0] < 0 || h.DataOffsets[1] < h.DataOffsets[0] {
			return nil, fmt.Errorf("invalid data offsets for tensor %s: %v", name, h.DataOffsets)
		}
		headers[name] = h
		dataSize = max(dataSize, h.DataOffsets[1])
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}

	for name, h := range headers {
		t := &Tensor{DType: h.DType, Shape: h.Shape}
		buf := data[h.DataOffsets[0]:h.DataOffsets[1]]
		if !h.DType.isFloat() {
			t.Raw = append([]byte(nil), buf...)
			f.Tensors[name] = t
			continue
		}
		if len(buf) != t.Len()*h.DType.size() {
			return nil, fmt.Errorf("tensor %s: %d bytes for %v %s", name, len(buf), h.Shape, h.DType)
		}
		t.Data = decode(h.DType, buf)
		f.Tensors[name] = t
	}
	return f, nil
}

// WriteFile saves f to path.
func WriteFile(path string, f *File) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(file, f); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}

// Write encodes f with tensors in alphabetical order. Each tensor keeps its
// dtype; an empty dtype is written as F32.
func Write(w io.Writer, f *File) error {
	names := f.Names()
	header := make(map[string]any, len(names)+1)
	if len(f.Metadata) > 0 {
		header["__metadata__"] = f.Metadata
	}

	payloads := make([][]byte, len(names))
	var offset int64
	for i, name := range names {
		t := f.Tensors[name]
		dtype := t.DType
		if dtype == "" {
			dtype = F32
		}

		var buf []byte
		if dtype.isFloat() {
			if len(t.Data) != t.Len() {
				return fmt.Errorf("tensor %s: %d values for shape %v", name, len(t.Data), t.Shape)
			}
			buf = encode(dtype, t.Data)
		} else {
			buf = t.Raw
		}
		payloads[i] = buf

		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorHeader{
			DType:       dtype,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + int64(len(buf))},
		}
		offset += int64(len(buf))
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	// Pad the header to 8 bytes so the data section stays aligned
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, buf := range payloads {
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", names[i], err)
		}
	}
	return nil
}

func decode(dtype DType, buf []byte) []float32 {
	n := len(buf) / dtype.size()
	out := make([]float32, n)
	for i := range out {
		switch dtype {
		case F32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		case F16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		case BF16:
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
		case F64:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
	}
	return out
}

func encode(dtype DType, data []float32) []byte {
	size := dtype.size()
	buf := make([]byte, len(data)*size)
	for i, v := range data {
		switch dtype {
		case F32:
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		case F16:
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		case BF16:
			binary.LittleEndian.PutUint16(buf[i*2:], toBFloat16(v))
		case F64:
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(float64(v)))
		}
	}
	return buf
}

// toBFloat16 rounds to nearest even.
func toBFloat16(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}
