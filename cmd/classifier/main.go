package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/fletcher-heads/internal/cache"
	"github.com/23skdu/fletcher-heads/internal/classifier"
	"github.com/23skdu/fletcher-heads/internal/client"
	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/service"
	"github.com/23skdu/fletcher-heads/internal/tokenizer"
	"github.com/23skdu/fletcher-heads/internal/weights"
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	settings, args, err := parseSettings(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid arguments")
	}
	if err := run(settings, args); err != nil {
		log.Fatal().Err(err).Msg("Classifier failed")
	}
}

func run(s Settings, args []string) error {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	if s.EnableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if s.CPUProfile != "" {
		f, err := os.Create(s.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	clf, err := loadClassifier(s)
	if err != nil {
		return err
	}

	var fwd *client.Forwarder
	if s.ServerAddr != "" {
		fc, err := client.NewFlightClient(s.ServerAddr)
		if err != nil {
			return fmt.Errorf("failed to create flight client: %w", err)
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", s.ServerAddr).Str("dataset", s.Dataset).Msg("Forwarding predictions to Longbow")
		fwd = client.NewForwarder(fc, s.Dataset, client.NewCircuitBreaker(s.BreakerFailures, s.BreakerTimeout))
	}

	// Server Mode
	if s.ListenAddr != "" || s.FlightAddr != "" {
		maxBody, err := parseBytes(s.MaxBody)
		if err != nil {
			return err
		}
		log.Info().Str("max_body", s.MaxBody).Int64("bytes", maxBody).Int("max_concurrent", s.MaxConcurrent).Msg("Admission control")

		var srvFwd Forwarder
		if fwd != nil {
			srvFwd = fwd
		}
		srv := NewServer(clf, srvFwd, s.MaxConcurrent, maxBody)

		var g errgroup.Group
		if s.ListenAddr != "" {
			g.Go(func() error { return startServer(s.ListenAddr, srv) })
		}
		if s.FlightAddr != "" {
			g.Go(func() error { return startFlightServer(s.FlightAddr, srv) })
		}
		return g.Wait()
	}

	texts, err := inputTexts(args, os.Stdin)
	if err != nil {
		return err
	}
	if len(texts) == 0 {
		return errors.New("no input texts: pass them as arguments or on stdin")
	}

	if s.Duration > 0 {
		return soak(clf, texts, s.Duration)
	}

	start := time.Now()
	preds, err := clf.Classify(context.Background(), texts)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", len(texts)).
		Dur("elapsed", elapsed).
		Float64("tps", float64(len(texts))/elapsed.Seconds()).
		Msg("Classified sequences")

	if fwd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, preds); err != nil {
			return err
		}
		log.Info().Msg("Successfully sent predictions to Longbow")
		return nil
	}
	return writePredictions(os.Stdout, s.Format, preds)
}

// loadClassifier builds the model, tokenizer and service from a model
// directory. Missing weights leave the seeded random initialisation.
func loadClassifier(s Settings) (*service.Classifier, error) {
	cfg, err := classifier.LoadConfig(filepath.Join(s.ModelDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load model config: %w", err)
	}
	m, err := classifier.NewFromConfig(cfg, device.NewCPUBackend(), classifier.WithSeed(s.Seed))
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	weightsPath := filepath.Join(s.ModelDir, "model.safetensors")
	if _, err := os.Stat(weightsPath); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", weightsPath).Msg("Weights file not found, using random initialization")
	} else {
		report, err := weights.LoadFile(weightsPath, m.NamedParameters(), false)
		if err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
		if len(report.Missing) > 0 {
			log.Warn().Strs("missing", report.Missing).Msg("Checkpoint does not cover every parameter")
		}
		log.Info().Int("loaded", report.Loaded).Int("unexpected", len(report.Unexpected)).Msg("Loaded weights")
	}

	tok, err := tokenizer.NewWordPieceTokenizer(filepath.Join(s.ModelDir, tokenizer.VocabFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	opts := []service.Option{service.WithBatchSize(s.BatchSize), service.WithMaxLength(s.MaxLength)}
	if s.CacheSize > 0 {
		opts = append(opts, service.WithCache(cache.NewMapCache(s.CacheSize)))
	}
	clf, err := service.New(m, tok, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("model_type", cfg.ModelType).
		Str("style", cfg.BackboneStyle.String()).
		Str("variant", cfg.HeadVariant.String()).
		Strs("labels", clf.Labels()).
		Msg("Classifier ready")
	return clf, nil
}

// inputTexts returns args, or the non-empty lines of stdin when there are
// none.
func inputTexts(args []string, stdin io.Reader) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	var texts []string
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			texts = append(texts, line)
		}
	}
	return texts, scanner.Err()
}

func soak(clf *service.Classifier, texts []string, d time.Duration) error {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")
	startTime := time.Now()
	endTime := startTime.Add(d)
	var total int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := clf.Classify(context.Background(), texts); err != nil {
			return err
		}
		total += int64(len(texts))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_sequences", total).
				Float64("tps", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_sequences", total).
		Dur("total_time", totalElapsed).
		Float64("avg_tps", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
	return nil
}

func writePredictions(w io.Writer, format string, preds []service.Prediction) error {
	switch format {
	case "arrow":
		rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildPredictions(preds)
		if err != nil {
			return err
		}
		defer rec.Release()
		return writeArrowStream(w, rec)
	case "text":
		for _, p := range preds {
			if _, err := fmt.Fprintf(w, "%s\t%.4f\t%s\n", p.Label, p.Scores[p.LabelID], p.Text); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("fletcher-heads"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
