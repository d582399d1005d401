package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/fletcher-heads/internal/client"
)

// ClassifierFlightServer classifies text record batches over Flight.
type ClassifierFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewClassifierFlightServer(srv *Server) *ClassifierFlightServer {
	return &ClassifierFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

// DoExchange answers each incoming text batch with a prediction batch.
func (s *ClassifierFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	schema := client.PredictionSchema(len(s.srv.classifier.Labels()))
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.alloc))
	defer func() { _ = writer.Close() }()

	total := 0
	for reader.Next() {
		texts, err := client.Texts(reader.Record())
		if err != nil {
			return err
		}
		preds, err := s.srv.classify(ctx, texts)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to classify batch: %w", err)
		}
		rec, err := s.srv.builder.BuildPredictions(preds)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		total += len(texts)
	}
	span.SetAttributes(attribute.Int("sequence_count", total))
	return reader.Err()
}

// DoPut classifies uploaded text batches; predictions go to the forwarder
// when one is configured.
func (s *ClassifierFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		texts, err := client.Texts(rec)
		if err != nil {
			return err
		}
		if _, err := s.srv.classify(ctx, texts); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to classify batch: %w", err)
		}
		log.Debug().Int64("rows", rec.NumRows()).Msg("DoPut classified batch")
	}
	return reader.Err()
}

func newFlightServer(srv *Server) flight.Server {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewClassifierFlightServer(srv))
	return server
}

func startFlightServer(addr string, srv *Server) error {
	server := newFlightServer(srv)
	if err := server.Init(addr); err != nil {
		return fmt.Errorf("failed to init Flight server: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Starting classifier Flight server")
	return server.Serve()
}
