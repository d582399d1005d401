package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-heads/internal/service"
)

func testPredictions() []service.Prediction {
	return []service.Prediction{
		{Text: "good", Label: "positive", LabelID: 1, Scores: []float32{0.2, 0.8}, Logits: []float32{-1, 1}},
		{Text: "bad", Label: "negative", LabelID: 0, Scores: []float32{0.9, 0.1}, Logits: []float32{2, 0}},
	}
}

func TestBuildPredictions(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildPredictions(nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid input", func(t *testing.T) {
		rb, err := builder.BuildPredictions(testPredictions())
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(5), rb.NumCols())
		assert.Equal(t, ColText, rb.ColumnName(0))
		assert.Equal(t, ColLogits, rb.ColumnName(4))

		logits := rb.Column(4).(*array.FixedSizeList)
		values := logits.ListValues().(*array.Float32)
		assert.Equal(t, 4, values.Len())
		assert.Equal(t, float32(2), values.Value(2))

		back, err := Predictions(rb)
		require.NoError(t, err)
		assert.Equal(t, testPredictions(), back)
	})

	t.Run("Ragged logits", func(t *testing.T) {
		preds := testPredictions()
		preds[1].Logits = []float32{1}
		_, err := builder.BuildPredictions(preds)
		assert.Error(t, err)
	})
}

func TestTexts(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBatchBuilder(pool)

	rec := builder.TextRecord([]string{"a", "b"})
	defer rec.Release()
	texts, err := Texts(rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, texts)

	t.Run("Binary fallback column", func(t *testing.T) {
		bb := array.NewBinaryBuilder(pool, arrow.BinaryTypes.Binary)
		defer bb.Release()
		bb.AppendValues([][]byte{[]byte("x")}, nil)
		arr := bb.NewArray()
		defer arr.Release()
		schema := arrow.NewSchema([]arrow.Field{{Name: "payload", Type: arrow.BinaryTypes.Binary}}, nil)
		rb := array.NewRecordBatch(schema, []arrow.Array{arr}, 1)
		defer rb.Release()

		texts, err := Texts(rb)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, texts)
	})

	t.Run("Unsupported column", func(t *testing.T) {
		ib := array.NewInt32Builder(pool)
		defer ib.Release()
		ib.Append(1)
		arr := ib.NewArray()
		defer arr.Release()
		schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int32}}, nil)
		rb := array.NewRecordBatch(schema, []arrow.Array{arr}, 1)
		defer rb.Release()

		_, err := Texts(rb)
		assert.ErrorIs(t, err, ErrNoTextColumn)
	})
}
