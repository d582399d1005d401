// Package client moves prediction batches over Apache Arrow and Flight.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient handles communication with a Longbow server via Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset and waits for the server
// to acknowledge the stream.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exchange sends record over DoExchange and collects the records the server
// streams back. Callers release the returned records.
func (c *FlightClient) Exchange(ctx context.Context, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange response: %w", err)
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
