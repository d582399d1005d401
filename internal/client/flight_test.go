package client

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu              sync.Mutex
	paths           []string
	recordsReceived []arrow.RecordBatch
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.mu.Lock()
		s.paths = append(s.paths, desc.Path...)
		s.mu.Unlock()
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.mu.Lock()
		s.recordsReceived = append(s.recordsReceived, rec)
		s.mu.Unlock()
	}
	return reader.Err()
}

// DoExchange echoes every record back.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(reader.Schema()))
	defer func() { _ = writer.Close() }()
	for reader.Next() {
		if err := writer.Write(reader.Record()); err != nil {
			return err
		}
	}
	return reader.Err()
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildPredictions(testPredictions())
	require.NoError(t, err)
	defer rb.Release()

	require.NoError(t, client.DoPut(context.Background(), "test-dataset", rb))

	mockServer.mu.Lock()
	defer mockServer.mu.Unlock()
	assert.Equal(t, []string{"test-dataset"}, mockServer.paths)
	require.Len(t, mockServer.recordsReceived, 1)
	got, err := Predictions(mockServer.recordsReceived[0])
	require.NoError(t, err)
	assert.Equal(t, testPredictions(), got)
}

func TestFlightClient_Exchange(t *testing.T) {
	_, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	rec := NewRecordBatchBuilder(memory.NewGoAllocator()).TextRecord([]string{"hello", "world"})
	defer rec.Release()

	out, err := client.Exchange(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()

	texts, err := Texts(out[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, texts)
}
