package tokenizer

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrMaxLength is returned when maxLen cannot hold [CLS] and [SEP].
var ErrMaxLength = errors.New("tokenizer: max length must be at least 2")

// Batch is a right-padded encoding of several texts.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	// Lengths is the number of real tokens per row, special tokens included.
	Lengths []int
}

// SeqLen is the padded row length.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// EncodeBatch wraps each text in [CLS]/[SEP], truncates to maxLen and pads
// every row with [PAD] to the longest row. Texts are tokenized in parallel.
func (t *WordPieceTokenizer) EncodeBatch(texts []string, maxLen int) (*Batch, error) {
	if maxLen < 2 {
		return nil, ErrMaxLength
	}
	cls, ok := t.vocab[ClsToken]
	if !ok {
		return nil, fmt.Errorf("tokenizer: vocabulary has no %s token", ClsToken)
	}
	sep, ok := t.vocab[SepToken]
	if !ok {
		return nil, fmt.Errorf("tokenizer: vocabulary has no %s token", SepToken)
	}
	pad := t.PadID()
	if pad < 0 {
		return nil, fmt.Errorf("tokenizer: vocabulary has no %s token", PadToken)
	}

	rows := make([][]int, len(texts))
	workers := runtime.GOMAXPROCS(0)
	if workers > len(texts) {
		workers = len(texts)
	}
	jobs := make(chan int, len(texts))
	for i := range texts {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				ids := t.Encode(texts[i])
				if len(ids) > maxLen-2 {
					ids = ids[:maxLen-2]
				}
				row := make([]int, 0, len(ids)+2)
				row = append(row, cls)
				row = append(row, ids...)
				rows[i] = append(row, sep)
			}
		}()
	}
	wg.Wait()

	seqLen := 0
	for _, row := range rows {
		if len(row) > seqLen {
			seqLen = len(row)
		}
	}

	batch := &Batch{
		InputIDs:      make([][]int, len(rows)),
		AttentionMask: make([][]int, len(rows)),
		Lengths:       make([]int, len(rows)),
	}
	for i, row := range rows {
		ids := make([]int, seqLen)
		mask := make([]int, seqLen)
		copy(ids, row)
		for j := range mask {
			if j < len(row) {
				mask[j] = 1
			} else {
				ids[j] = pad
			}
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
		batch.Lengths[i] = len(row)
	}
	return batch, nil
}
