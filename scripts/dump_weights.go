//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/23skdu/fletcher-heads/internal/weights"
)

// WeightDump holds the summary of a checkpoint tensor for verification
type WeightDump struct {
	Name     string    `json:"name"`
	DType    string    `json:"dtype"`
	Shape    []int     `json:"shape"`
	FirstFew []float32 `json:"first_few,omitempty"`
	LastFew  []float32 `json:"last_few,omitempty"`
	Sum      float32   `json:"sum"`
}

func main() {
	path := flag.String("weights", "model.safetensors", "Path to safetensors checkpoint")
	flag.Parse()

	f, err := weights.ReadFile(*path)
	if err != nil {
		log.Fatalf("Failed to read checkpoint: %v", err)
	}

	dumps := make([]WeightDump, 0, len(f.Tensors))
	for _, name := range f.Names() {
		t := f.Tensors[name]
		d := WeightDump{Name: name, DType: string(t.DType), Shape: t.Shape}
		if n := len(t.Data); n > 0 {
			d.FirstFew = t.Data[:min(5, n)]
			d.LastFew = t.Data[max(0, n-5):]
			for _, v := range t.Data {
				d.Sum += v
			}
		}
		dumps = append(dumps, d)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatalf("Failed to encode dump: %v", err)
	}
}
