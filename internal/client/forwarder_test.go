package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func TestForwarder(t *testing.T) {
	t.Run("Forwards predictions", func(t *testing.T) {
		mp := &mockPutter{}
		mp.On("DoPut", mock.Anything, "ds", mock.MatchedBy(func(rec arrow.RecordBatch) bool {
			return rec.NumRows() == 2 && rec.NumCols() == 5
		})).Return(nil).Once()

		f := NewForwarder(mp, "ds", NewCircuitBreaker(2, time.Minute))
		require.NoError(t, f.Forward(context.Background(), testPredictions()))
		mp.AssertExpectations(t)
	})

	t.Run("Empty batch is skipped", func(t *testing.T) {
		mp := &mockPutter{}
		f := NewForwarder(mp, "ds", nil)
		require.NoError(t, f.Forward(context.Background(), nil))
		mp.AssertNotCalled(t, "DoPut", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Breaker opens after failures", func(t *testing.T) {
		mp := &mockPutter{}
		mp.On("DoPut", mock.Anything, "ds", mock.Anything).Return(errors.New("unavailable")).Twice()

		cb := NewCircuitBreaker(2, time.Minute)
		f := NewForwarder(mp, "ds", cb)
		for i := 0; i < 2; i++ {
			assert.Error(t, f.Forward(context.Background(), testPredictions()))
		}
		assert.Equal(t, StateOpen, cb.State())

		err := f.Forward(context.Background(), testPredictions())
		assert.ErrorIs(t, err, ErrCircuitOpen)
		mp.AssertNumberOfCalls(t, "DoPut", 2)
	})

	t.Run("Encode failure releases probe", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 0)
		cb.Failure()
		f := NewForwarder(&mockPutter{}, "ds", cb)
		time.Sleep(time.Millisecond)

		preds := testPredictions()
		preds[0].Scores = nil
		assert.Error(t, f.Forward(context.Background(), preds))
		assert.True(t, cb.Allow(), "probe slot must be free again")
	})
}
