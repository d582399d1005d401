package weights

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

func TestSafeTensorsRoundTrip(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.333333, 1024, -0.0078125}

	for _, dtype := range []DType{F32, F16, BF16, F64} {
		t.Run(string(dtype), func(t *testing.T) {
			f := NewFile()
			f.Metadata = map[string]string{"format": "pt"}
			f.Tensors["w"] = &Tensor{DType: dtype, Shape: []int{2, 3}, Data: values}
			f.Tensors["ids"] = &Tensor{DType: "I64", Shape: []int{1}, Raw: []byte{7, 0, 0, 0, 0, 0, 0, 0}}

			var buf bytes.Buffer
			require.NoError(t, Write(&buf, f))

			// Header size is 8-byte aligned
			size := binary.LittleEndian.Uint64(buf.Bytes()[:8])
			assert.Zero(t, size%8)

			back, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, "pt", back.Metadata["format"])
			assert.Equal(t, []string{"ids", "w"}, back.Names())

			w := back.Tensors["w"]
			assert.Equal(t, dtype, w.DType)
			assert.Equal(t, []int{2, 3}, w.Shape)
			tol := 1e-6
			if dtype == F16 || dtype == BF16 {
				tol = 1e-2
			}
			for i, v := range values {
				assert.InDelta(t, v, w.Data[i], tol*math.Max(1, math.Abs(float64(v))))
			}
			assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0}, back.Tensors["ids"].Raw)
		})
	}
}

func TestReadRejectsCorruptFiles(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(maxHeaderSize+1)))
	_, err = Read(&buf)
	require.Error(t, err)

	buf.Reset()
	header := []byte(`{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	buf.Write([]byte{0, 0, 0, 0})
	_, err = Read(&buf)
	require.Error(t, err)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
}

func testParams(b device.Backend) []nn.Param {
	linear := &nn.Linear{
		Backend: b,
		Weight:  b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6}),
		Bias:    b.NewTensor(1, 3, []float32{0.1, 0.2, 0.3}),
	}
	params := linear.Params("classifier.dense_1")
	return append(params, nn.Param{Name: "embeddings.word_embeddings.weight", Tensor: b.NewTensor(2, 2, []float32{9, 8, 7, 6})})
}

func TestStateDictLayout(t *testing.T) {
	b := device.NewCPUBackend()
	f := StateDict(testParams(b), F32)

	w := f.Tensors["classifier.dense_1.weight"]
	assert.Equal(t, []int{3, 2}, w.Shape)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, w.Data)
	assert.Equal(t, []int{3}, f.Tensors["classifier.dense_1.bias"].Shape)
	assert.Equal(t, []int{2, 2}, f.Tensors["embeddings.word_embeddings.weight"].Shape)
}

func TestSaveLoadFile(t *testing.T) {
	b := device.NewCPUBackend()
	src := testParams(b)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, SaveFile(path, src))

	dst := []nn.Param{
		{Name: "classifier.dense_1.weight", Tensor: b.NewTensor(2, 3, nil), Linear: true},
		{Name: "classifier.dense_1.bias", Tensor: b.NewTensor(1, 3, nil)},
		{Name: "classifier.out_proj.weight", Tensor: b.NewTensor(3, 1, nil), Linear: true},
	}
	report, err := LoadFile(path, dst, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, []string{"classifier.out_proj.weight"}, report.Missing)
	assert.Equal(t, []string{"embeddings.word_embeddings.weight"}, report.Unexpected)

	assert.Equal(t, src[0].Tensor.ToHost(), dst[0].Tensor.ToHost())
	assert.Equal(t, src[1].Tensor.ToHost(), dst[1].Tensor.ToHost())

	_, err = LoadFile(path, dst, true)
	assert.ErrorIs(t, err, ErrMissingTensor)
}

func TestLoadShapeMismatch(t *testing.T) {
	b := device.NewCPUBackend()
	f := StateDict(testParams(b), F32)

	params := []nn.Param{{Name: "classifier.dense_1.weight", Tensor: b.NewTensor(3, 2, nil), Linear: true}}
	_, err := Load(params, f, false)
	require.Error(t, err)
}
