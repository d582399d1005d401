package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/fletcher-heads/internal/client"
	"github.com/23skdu/fletcher-heads/internal/service"
)

const (
	contentTypeCBOR  = "application/cbor"
	contentTypeArrow = "application/vnd.apache.arrow.stream"
	requestIDHeader  = "X-Request-ID"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fletcher_heads_request_duration_seconds",
		Help:    "Time spent processing classify requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	requestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_heads_requests_rejected_total",
		Help: "Classify requests rejected before inference",
	}, []string{"reason"})
)

// Classifier produces predictions for texts.
type Classifier interface {
	Classify(ctx context.Context, texts []string) ([]service.Prediction, error)
	Labels() []string
}

// Forwarder ships predictions downstream.
type Forwarder interface {
	Forward(ctx context.Context, preds []service.Prediction) error
}

type Server struct {
	classifier Classifier
	forwarder  Forwarder
	builder    *client.RecordBatchBuilder
	alloc      memory.Allocator
	sem           *semaphore.Weighted
	maxConcurrent int64
	maxBody       int64
}

func NewServer(c Classifier, fwd Forwarder, maxConcurrent int, maxBody int64) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		classifier:    c,
		forwarder:     fwd,
		builder:       client.NewRecordBatchBuilder(alloc),
		alloc:         alloc,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		maxBody:       maxBody,
	}
}

// Handler routes the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/classify", s.handleClassify)
	mux.HandleFunc("/classify/arrow", s.handleClassifyArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return withRequestID(mux)
}

func startServer(addr string, srv *Server) error {
	log.Info().Str("addr", addr).Msg("Starting classifier HTTP server")
	return http.ListenAndServe(addr, srv.Handler())
}

// withRequestID tags each request, keeping a caller supplied ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		logger := log.Logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

var tracer = otel.Tracer("fletcher-heads-server")

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleClassify")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("classify").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}

	var texts []string
	if err := cbor.NewDecoder(r.Body).Decode(&texts); err != nil {
		span.RecordError(err)
		requestsRejected.WithLabelValues("decode").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("sequence_count", len(texts)))

	preds, err := s.classify(ctx, texts)
	if err != nil {
		span.RecordError(err)
		s.writeClassifyError(w, r, err)
		return
	}

	data, err := cbor.Marshal(preds)
	if err != nil {
		span.RecordError(err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

var (
	// errBusy is returned when admission control rejects a batch.
	errBusy = errors.New("server busy")
	// errTooLarge is returned for batches that can never be admitted.
	errTooLarge = errors.New("batch exceeds max concurrent sequences")
)

// classify admits texts, runs inference and forwards the result.
func (s *Server) classify(ctx context.Context, texts []string) ([]service.Prediction, error) {
	if len(texts) == 0 {
		return []service.Prediction{}, nil
	}

	// Admission Control
	weight := int64(len(texts))
	// Acquire on more than the semaphore holds waits for ctx to end
	if weight > s.maxConcurrent {
		return nil, fmt.Errorf("%w: %d > %d", errTooLarge, weight, s.maxConcurrent)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("%w: %v", errBusy, err)
	}
	defer s.sem.Release(weight)

	preds, err := s.classifier.Classify(ctx, texts)
	if err != nil {
		return nil, err
	}
	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, preds); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Error forwarding predictions to Longbow")
		}
	}
	return preds, nil
}

func (s *Server) writeClassifyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errTooLarge) {
		requestsRejected.WithLabelValues("too_large").Inc()
		log.Ctx(r.Context()).Warn().Err(err).Msg("Rejected oversized batch")
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if errors.Is(err, errBusy) {
		requestsRejected.WithLabelValues("busy").Inc()
		log.Ctx(r.Context()).Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	log.Ctx(r.Context()).Error().Err(err).Msg("Classification failed")
	http.Error(w, fmt.Sprintf("Classification failed: %v", err), http.StatusInternalServerError)
}

func (s *Server) handleClassifyArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleClassifyArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("classify_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		requestsRejected.WithLabelValues("decode").Inc()
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	w.Header().Set("Content-Type", contentTypeArrow)
	writer := ipc.NewWriter(w, ipc.WithSchema(client.PredictionSchema(len(s.classifier.Labels()))), ipc.WithAllocator(s.alloc))
	totalProcessed := 0

	for reader.Next() {
		texts, err := client.Texts(reader.Record())
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Skipping batch without a text column")
			continue
		}
		preds, err := s.classify(ctx, texts)
		if err != nil {
			span.RecordError(err)
			// Nothing is written before the first batch, so the status can
			// still report the failure.
			if totalProcessed == 0 {
				s.writeClassifyError(w, r, err)
				return
			}
			break
		}
		rec, err := s.builder.BuildPredictions(preds)
		if err != nil {
			span.RecordError(err)
			break
		}
		if rec == nil {
			continue
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to write prediction batch")
			break
		}
		totalProcessed += len(texts)
	}

	if err := reader.Err(); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Error reading Arrow stream")
		if totalProcessed == 0 {
			http.Error(w, "Stream error", http.StatusBadRequest)
			return
		}
	}
	if err := writer.Close(); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to close Arrow stream")
	}
	span.SetAttributes(attribute.Int("sequence_count", totalProcessed))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
