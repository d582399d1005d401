// Package classifier implements sequence classification heads over a
// pretrained backbone: pooling, feature fusion, problem type inference and
// loss dispatch.
package classifier

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-heads/internal/backbone"
	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/nn"
)

// Input is a forward request. The embedded backbone input carries ids or
// embeddings, masks and cache; its OutputHiddenStates is decided by the
// model config.
type Input struct {
	backbone.Input
	Labels *Labels
	// ReturnDict overrides use_return_dict for one Call.
	ReturnDict *bool
}

type options struct {
	logger zerolog.Logger
	seed   int64
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSeed seeds weight initialisation and dropout.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// Model composes a backbone with a classification head.
type Model struct {
	Backbone backbone.Backbone
	Head     *Head

	cfg     Config
	logger  zerolog.Logger
	problem atomic.Int32
}

// New wires a head onto bb.
func New(cfg Config, bb backbone.Backbone, b device.Backend, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bb == nil {
		return nil, fmt.Errorf("%w: nil backbone", ErrInvalidConfig)
	}
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With().
		Str("component", "classifier").
		Str("style", cfg.BackboneStyle.String()).
		Str("variant", cfg.HeadVariant.String()).
		Logger()

	// out_proj carries a bias for the encoder family only
	encoder := cfg.BackboneStyle == backbone.StyleEncoder
	m := &Model{
		Backbone: bb,
		Head:     NewHead(cfg.HeadVariant, cfg.HiddenSize, cfg.NumLabels, cfg.Dropout(), encoder, b, o.seed),
		cfg:      cfg,
		logger:   logger,
	}
	m.problem.Store(int32(cfg.ProblemType))
	return m, nil
}

// NewFromConfig builds the transformer backbone described by cfg as well.
func NewFromConfig(cfg Config, b device.Backend, opts ...Option) (*Model, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	bbCfg := cfg.BackboneConfig()
	bbCfg.Seed = o.seed
	bb, err := backbone.NewTransformer(bbCfg, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return New(cfg, bb, b, opts...)
}

// Config returns the model config with the current problem type.
func (m *Model) Config() Config {
	cfg := m.cfg
	cfg.ProblemType = m.ProblemType()
	return cfg
}

// ProblemType returns the configured or inferred problem type.
func (m *Model) ProblemType() ProblemType {
	return ProblemType(m.problem.Load())
}

// ResetProblemType clears the cached problem type so the next labelled
// call infers it again.
func (m *Model) ResetProblemType() {
	m.problem.Store(int32(ProblemTypeUnset))
}

// SetTraining toggles dropout in the head and, when supported, the backbone.
func (m *Model) SetTraining(training bool) {
	m.Head.SetTraining(training)
	if t, ok := m.Backbone.(interface{ SetTraining(bool) }); ok {
		t.SetTraining(training)
	}
}

// NamedParameters lists every weight under its checkpoint name.
func (m *Model) NamedParameters() []nn.Param {
	backbonePrefix, headPrefix := "roberta.", "classifier"
	switch {
	case m.cfg.BackboneStyle == backbone.StyleDecoder:
		backbonePrefix, headPrefix = "transformer.", "score"
	case m.cfg.ModelType == "bert":
		backbonePrefix = "bert."
	}
	return append(m.Backbone.Params(backbonePrefix), m.Head.Params(headPrefix)...)
}

// Forward runs backbone, pooling, head and, given labels, the loss.
func (m *Model) Forward(in Input) (*Output, error) {
	start := time.Now()
	batch, seqLen, err := in.Shape()
	if err != nil {
		return nil, err
	}
	decoder := m.cfg.BackboneStyle == backbone.StyleDecoder

	// Pooling positions come first so an unsupported batch fails before the
	// backbone runs.
	var (
		positions   []int
		diagnostics []Diagnostic
	)
	if decoder {
		positions, diagnostics, err = LastTokenPositions(in.InputIDs, batch, seqLen, m.cfg.PadTokenID)
		if err != nil {
			return nil, err
		}
		for _, d := range diagnostics {
			PoolingDiagnostics.WithLabelValues(d.Kind.String()).Inc()
			m.logger.Warn().Str("kind", d.Kind.String()).Int("batch_size", batch).Msg(d.Message)
		}
	}

	bbIn := in.Input
	bbIn.OutputHiddenStates = m.cfg.UseHiddenStates
	out, err := m.Backbone.Forward(bbIn)
	if err != nil {
		return nil, err
	}
	second := m.secondSource(out.HiddenStates)

	var logits device.Tensor
	if decoder {
		tokenLogits, err := m.Head.Forward(out.LastHiddenState, second)
		if err != nil {
			return nil, err
		}
		if logits, err = GatherPositions(tokenLogits, seqLen, positions); err != nil {
			return nil, err
		}
	} else {
		features, err := PoolFirst(out.LastHiddenState, batch, seqLen)
		if err != nil {
			return nil, err
		}
		var hidden device.Tensor
		if second != nil {
			if hidden, err = PoolFirst(second, batch, seqLen); err != nil {
				return nil, err
			}
		}
		if logits, err = m.Head.Forward(features, hidden); err != nil {
			return nil, err
		}
	}

	result := &Output{
		Logits:      logits,
		Attentions:  out.Attentions,
		Diagnostics: diagnostics,
	}
	if decoder {
		result.PastKeyValues = out.PastKeyValues
	}

	if in.Labels != nil {
		problem := m.resolveProblemType(in.Labels)
		loss, err := ComputeLoss(problem, logits, in.Labels, m.cfg.NumLabels)
		if err != nil {
			return nil, err
		}
		result.Loss = &loss
	}

	ForwardDuration.WithLabelValues(m.cfg.BackboneStyle.String(), m.cfg.HeadVariant.String()).Observe(time.Since(start).Seconds())
	return result, nil
}

// Call is Forward packaged per use_return_dict: *Output or Tuple.
func (m *Model) Call(in Input) (any, error) {
	out, err := m.Forward(in)
	if err != nil {
		return nil, err
	}
	returnDict := m.cfg.UseReturnDict
	if in.ReturnDict != nil {
		returnDict = *in.ReturnDict
	}
	if returnDict {
		return out, nil
	}
	return out.Tuple(), nil
}

// secondSource picks the variant's hidden state, nil when the bundle does
// not reach that far.
func (m *Model) secondSource(hidden []device.Tensor) device.Tensor {
	idx := m.cfg.HeadVariant.HiddenStateIndex()
	if idx == 0 || len(hidden)+idx < 0 {
		return nil
	}
	return hidden[len(hidden)+idx]
}

// resolveProblemType caches the first inferred problem type.
func (m *Model) resolveProblemType(labels *Labels) ProblemType {
	if p := m.ProblemType(); p != ProblemTypeUnset {
		return p
	}
	p := ResolveProblemType(m.cfg.NumLabels, labels)
	if m.problem.CompareAndSwap(int32(ProblemTypeUnset), int32(p)) {
		ProblemTypeResolutions.WithLabelValues(p.String()).Inc()
		m.logger.Debug().Str("problem_type", p.String()).Msg("Resolved problem type from labels")
	}
	return m.ProblemType()
}
