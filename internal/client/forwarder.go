package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-heads/internal/service"
)

// ErrCircuitOpen is returned while the breaker rejects forwarding.
var ErrCircuitOpen = errors.New("client: circuit breaker open")

// Putter uploads a record batch to a dataset.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Forwarder ships prediction batches to a Flight endpoint behind a circuit
// breaker.
type Forwarder struct {
	putter  Putter
	dataset string
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
	logger  zerolog.Logger
}

// NewForwarder creates a Forwarder. A nil breaker never opens.
func NewForwarder(p Putter, dataset string, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{
		putter:  p,
		dataset: dataset,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
		logger:  log.Logger.With().Str("component", "forwarder").Str("dataset", dataset).Logger(),
	}
}

// Forward uploads preds as one record batch.
func (f *Forwarder) Forward(ctx context.Context, preds []service.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	if f.breaker != nil && !f.breaker.Allow() {
		forwardingFailures.WithLabelValues("circuit_open").Inc()
		return ErrCircuitOpen
	}

	rec, err := f.builder.BuildPredictions(preds)
	if err != nil {
		if f.breaker != nil {
			f.breaker.Release()
		}
		forwardingFailures.WithLabelValues("encode").Inc()
		return fmt.Errorf("failed to build prediction batch: %w", err)
	}
	defer rec.Release()

	if err := f.putter.DoPut(ctx, f.dataset, rec); err != nil {
		if f.breaker != nil {
			f.breaker.Failure()
		}
		forwardingFailures.WithLabelValues("put").Inc()
		f.logger.Warn().Err(err).Int("rows", len(preds)).Msg("Failed to forward predictions")
		return fmt.Errorf("failed to forward predictions: %w", err)
	}
	if f.breaker != nil {
		f.breaker.Success()
	}
	forwardedPredictions.Add(float64(len(preds)))
	return nil
}
