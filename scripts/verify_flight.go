//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-heads/internal/client"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to classifier Flight server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	texts := []string{
		"Hello world",
		"Apache Arrow Flight is fast",
		"This movie was terrible",
	}
	rec := client.NewRecordBatchBuilder(memory.NewGoAllocator()).TextRecord(texts)
	defer rec.Release()

	// The server may still be loading weights
	var out []arrow.RecordBatch
	for i := 0; i < 10; i++ {
		start := time.Now()
		batches, err := c.Exchange(context.Background(), rec)
		if err == nil {
			log.Info().Dur("elapsed", time.Since(start)).Msg("Received predictions")
			out = batches
			break
		}
		log.Warn().Err(err).Msg("Exchange failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if out == nil {
		log.Fatal().Msg("No predictions after retries")
	}

	got := 0
	for _, b := range out {
		preds, err := client.Predictions(b)
		b.Release()
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid prediction batch")
		}
		for _, p := range preds {
			if len(p.Scores) == 0 || p.LabelID >= len(p.Scores) {
				log.Fatal().Str("text", p.Text).Int("label_id", p.LabelID).Msg("Malformed prediction")
			}
			log.Info().Str("text", p.Text).Str("label", p.Label).Float32("score", p.Scores[p.LabelID]).Msg("Prediction valid")
		}
		got += len(preds)
	}
	if got != len(texts) {
		log.Fatal().Int("expected", len(texts)).Int("got", got).Msg("Count mismatch")
	}

	fmt.Println("VERIFICATION PASSED")
}
