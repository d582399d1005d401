// Package service turns raw texts into predictions using a tokenizer and a
// classification model.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/fletcher-heads/internal/backbone"
	"github.com/23skdu/fletcher-heads/internal/cache"
	"github.com/23skdu/fletcher-heads/internal/classifier"
	"github.com/23skdu/fletcher-heads/internal/tokenizer"
)

var tracer = otel.Tracer("fletcher-heads/service")

// multiLabelThreshold is the sigmoid score above which a label is active.
const multiLabelThreshold = 0.5

// Prediction is the classification of one text.
type Prediction struct {
	Text    string    `cbor:"text" json:"text"`
	Label   string    `cbor:"label" json:"label"`
	LabelID int       `cbor:"label_id" json:"label_id"`
	Scores  []float32 `cbor:"scores" json:"scores"`
	Logits  []float32 `cbor:"logits" json:"logits"`
	// Active lists every label above threshold for multi-label models.
	Active []string `cbor:"active,omitempty" json:"active,omitempty"`
}

type ctxKey int

const datasetKey ctxKey = iota

// WithDatasetID scopes cache entries to a dataset.
func WithDatasetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, datasetKey, id)
}

func datasetID(ctx context.Context) string {
	id, _ := ctx.Value(datasetKey).(string)
	return id
}

type options struct {
	cache     cache.LogitCache
	batchSize int
	maxLength int
	logger    zerolog.Logger
}

type Option func(*options)

// WithCache enables logit caching.
func WithCache(c cache.LogitCache) Option {
	return func(o *options) { o.cache = c }
}

// WithBatchSize sets the number of texts per forward pass.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithMaxLength caps tokens per text, special tokens included.
func WithMaxLength(n int) Option {
	return func(o *options) { o.maxLength = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Classifier runs batched inference. It is safe for concurrent use.
type Classifier struct {
	model     *classifier.Model
	tokenizer *tokenizer.WordPieceTokenizer
	cache     cache.LogitCache
	batchSize int
	maxLength int
	labels    []string
	logger    zerolog.Logger
}

// New puts m in eval mode and checks that tok fits its vocabulary.
func New(m *classifier.Model, tok *tokenizer.WordPieceTokenizer, opts ...Option) (*Classifier, error) {
	cfg := m.Config()
	if tok.VocabSize() > cfg.VocabSize {
		return nil, fmt.Errorf("tokenizer vocabulary %d exceeds model vocabulary %d", tok.VocabSize(), cfg.VocabSize)
	}

	o := options{batchSize: 32, maxLength: 512, logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", o.batchSize)
	}
	if cfg.MaxPositionEmbeddings > 0 && o.maxLength > cfg.MaxPositionEmbeddings {
		o.maxLength = cfg.MaxPositionEmbeddings
	}
	logger := o.logger.With().Str("component", "service").Logger()

	// A decoder pools the token before the first pad_token_id, so batching
	// is only sound when the tokenizer pads with that same id.
	if cfg.BackboneStyle == backbone.StyleDecoder && o.batchSize != 1 {
		switch {
		case cfg.PadTokenID == nil:
			logger.Info().Int("requested", o.batchSize).Msg("Decoder has no pad_token_id, classifying one text per batch")
			o.batchSize = 1
		case tok.PadID() != *cfg.PadTokenID:
			logger.Warn().
				Int("pad_token_id", *cfg.PadTokenID).
				Int("tokenizer_pad_id", tok.PadID()).
				Int("requested", o.batchSize).
				Msg("Tokenizer pads with a different id than pad_token_id, classifying one text per batch")
			o.batchSize = 1
		}
	}

	m.SetTraining(false)
	return &Classifier{
		model:     m,
		tokenizer: tok,
		cache:     o.cache,
		batchSize: o.batchSize,
		maxLength: o.maxLength,
		labels:    cfg.Labels(),
		logger:    logger,
	}, nil
}

// Labels returns label names in id order.
func (c *Classifier) Labels() []string {
	return c.labels
}

// Classify predicts a label for each text. Processing stops between
// batches when ctx is cancelled.
func (c *Classifier) Classify(ctx context.Context, texts []string) ([]Prediction, error) {
	ctx, span := tracer.Start(ctx, "Classify")
	defer span.End()
	span.SetAttributes(attribute.Int("sequence_count", len(texts)))

	if len(texts) == 0 {
		return nil, nil
	}

	logits := make([][]float32, len(texts))
	namespace := datasetID(ctx)
	var pending []int
	for i, text := range texts {
		if c.cache != nil {
			if v, ok := c.cache.Get(cache.KeyFor(namespace, text)); ok {
				cacheHits.Inc()
				logits[i] = v
				continue
			}
			cacheMisses.Inc()
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, err
		}
		end := start + c.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := c.runBatch(ctx, texts, pending[start:end], logits); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if c.cache != nil {
			for _, idx := range pending[start:end] {
				c.cache.Put(cache.KeyFor(namespace, texts[idx]), logits[idx])
			}
		}
	}

	problem := scoringProblem(c.model)
	preds := make([]Prediction, len(texts))
	for i, text := range texts {
		preds[i] = c.predict(problem, text, logits[i])
	}
	sequencesClassified.Add(float64(len(texts)))
	span.SetAttributes(attribute.Int("cache_hits", len(texts)-len(pending)))
	return preds, nil
}

func (c *Classifier) runBatch(ctx context.Context, texts []string, indices []int, dst [][]float32) error {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	batchTexts := make([]string, len(indices))
	for i, idx := range indices {
		batchTexts[i] = texts[idx]
	}
	enc, err := c.tokenizer.EncodeBatch(batchTexts, c.maxLength)
	if err != nil {
		return fmt.Errorf("failed to tokenize batch: %w", err)
	}
	batchTokens.Observe(float64(len(indices) * enc.SeqLen()))
	trace.SpanFromContext(ctx).AddEvent("batch", trace.WithAttributes(
		attribute.Int("batch_size", len(indices)),
		attribute.Int("seq_len", enc.SeqLen()),
	))

	out, err := c.model.Forward(classifier.Input{Input: backbone.Input{
		InputIDs:      enc.InputIDs,
		AttentionMask: enc.AttentionMask,
	}})
	if err != nil {
		return fmt.Errorf("failed to classify batch: %w", err)
	}

	rows := make([][]float32, len(indices))
	out.Logits.ExtractTo(rows, 0)
	for i, idx := range indices {
		dst[idx] = rows[i]
	}
	c.logger.Debug().
		Int("batch_size", len(indices)).
		Int("seq_len", enc.SeqLen()).
		Dur("elapsed", time.Since(start)).
		Msg("Classified batch")
	return nil
}

func (c *Classifier) predict(problem classifier.ProblemType, text string, logits []float32) Prediction {
	scores := Scores(problem, logits)
	id := argmax(scores)
	p := Prediction{
		Text:    text,
		Label:   c.labels[id],
		LabelID: id,
		Scores:  scores,
		Logits:  logits,
	}
	if problem == classifier.MultiLabelClassification {
		for i, s := range scores {
			if s > multiLabelThreshold {
				p.Active = append(p.Active, c.labels[i])
			}
		}
	}
	return p
}
