package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/fletcher-heads/internal/service"
)

// Column names of prediction records.
const (
	ColText    = "text"
	ColLabel   = "label"
	ColLabelID = "label_id"
	ColScores  = "scores"
	ColLogits  = "logits"
)

// ErrNoTextColumn is returned when a record has no string column to read.
var ErrNoTextColumn = errors.New("client: record has no text column")

// PredictionSchema describes records for numLabels outputs per text.
func PredictionSchema(numLabels int) *arrow.Schema {
	vec := arrow.FixedSizeListOf(int32(numLabels), arrow.PrimitiveTypes.Float32)
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColText, Type: arrow.BinaryTypes.String},
			{Name: ColLabel, Type: arrow.BinaryTypes.String},
			{Name: ColLabelID, Type: arrow.PrimitiveTypes.Int32},
			{Name: ColScores, Type: vec},
			{Name: ColLogits, Type: vec},
		},
		nil,
	)
}

// RecordBatchBuilder creates Arrow RecordBatches from predictions.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildPredictions converts predictions into a RecordBatch. Every
// prediction must carry the same number of logits. A nil record is returned
// for empty input.
func (b *RecordBatchBuilder) BuildPredictions(preds []service.Prediction) (arrow.RecordBatch, error) {
	if len(preds) == 0 {
		return nil, nil
	}
	numLabels := len(preds[0].Logits)
	schema := PredictionSchema(numLabels)

	textBuilder := array.NewStringBuilder(b.mem)
	defer textBuilder.Release()
	labelBuilder := array.NewStringBuilder(b.mem)
	defer labelBuilder.Release()
	idBuilder := array.NewInt32Builder(b.mem)
	defer idBuilder.Release()
	scoresBuilder := array.NewFixedSizeListBuilder(b.mem, int32(numLabels), arrow.PrimitiveTypes.Float32)
	defer scoresBuilder.Release()
	logitsBuilder := array.NewFixedSizeListBuilder(b.mem, int32(numLabels), arrow.PrimitiveTypes.Float32)
	defer logitsBuilder.Release()
	scoreValues := scoresBuilder.ValueBuilder().(*array.Float32Builder)
	logitValues := logitsBuilder.ValueBuilder().(*array.Float32Builder)

	for i, p := range preds {
		if len(p.Logits) != numLabels || len(p.Scores) != numLabels {
			return nil, fmt.Errorf("prediction %d has %d logits and %d scores, want %d", i, len(p.Logits), len(p.Scores), numLabels)
		}
		textBuilder.Append(p.Text)
		labelBuilder.Append(p.Label)
		idBuilder.Append(int32(p.LabelID))
		scoresBuilder.Append(true)
		scoreValues.AppendValues(p.Scores, nil)
		logitsBuilder.Append(true)
		logitValues.AppendValues(p.Logits, nil)
	}

	cols := []arrow.Array{
		textBuilder.NewArray(),
		labelBuilder.NewArray(),
		idBuilder.NewArray(),
		scoresBuilder.NewArray(),
		logitsBuilder.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(len(preds))), nil
}

// Texts reads the "text" column of rec, falling back to the first column.
// String, LargeString and Binary columns are accepted.
func Texts(rec arrow.RecordBatch) ([]string, error) {
	if rec.NumCols() == 0 {
		return nil, ErrNoTextColumn
	}
	col := rec.Column(0)
	if indices := rec.Schema().FieldIndices(ColText); len(indices) > 0 {
		col = rec.Column(indices[0])
	}

	texts := make([]string, col.Len())
	switch arr := col.(type) {
	case *array.String:
		for i := range texts {
			texts[i] = arr.Value(i)
		}
	case *array.LargeString:
		for i := range texts {
			texts[i] = arr.Value(i)
		}
	case *array.Binary:
		for i := range texts {
			texts[i] = string(arr.Value(i))
		}
	default:
		return nil, fmt.Errorf("%w: column type %s", ErrNoTextColumn, col.DataType())
	}
	return texts, nil
}

// Predictions decodes a record built by BuildPredictions.
func Predictions(rec arrow.RecordBatch) ([]service.Prediction, error) {
	schema := rec.Schema()
	col := func(name string) (arrow.Array, error) {
		indices := schema.FieldIndices(name)
		if len(indices) == 0 {
			return nil, fmt.Errorf("record has no %q column", name)
		}
		return rec.Column(indices[0]), nil
	}

	var arrs [5]arrow.Array
	for i, name := range []string{ColText, ColLabel, ColLabelID, ColScores, ColLogits} {
		a, err := col(name)
		if err != nil {
			return nil, err
		}
		arrs[i] = a
	}
	texts, ok1 := arrs[0].(*array.String)
	labels, ok2 := arrs[1].(*array.String)
	ids, ok3 := arrs[2].(*array.Int32)
	scores, ok4 := arrs[3].(*array.FixedSizeList)
	logits, ok5 := arrs[4].(*array.FixedSizeList)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, errors.New("record does not match the prediction schema")
	}

	width := int(scores.DataType().(*arrow.FixedSizeListType).Len())
	scoreValues := scores.ListValues().(*array.Float32).Float32Values()
	logitValues := logits.ListValues().(*array.Float32).Float32Values()

	preds := make([]service.Prediction, rec.NumRows())
	for i := range preds {
		preds[i] = service.Prediction{
			Text:    texts.Value(i),
			Label:   labels.Value(i),
			LabelID: int(ids.Value(i)),
			Scores:  append([]float32(nil), scoreValues[i*width:(i+1)*width]...),
			Logits:  append([]float32(nil), logitValues[i*width:(i+1)*width]...),
		}
	}
	return preds, nil
}

// TextRecord wraps texts in a single-column record.
func (b *RecordBatchBuilder) TextRecord(texts []string) arrow.RecordBatch {
	tb := array.NewStringBuilder(b.mem)
	defer tb.Release()
	tb.AppendValues(texts, nil)
	arr := tb.NewArray()
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: ColText, Type: arrow.BinaryTypes.String}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{arr}, int64(len(texts)))
}
