// Command merge-adapter folds a LoRA adapter into its base classifier and
// saves the merged model together with the base tokenizer.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-heads/internal/merge"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	base := flag.String("base", "", "Base model directory or org/name in the model cache")
	adapter := flag.String("adapter", "", "Adapter directory or org/name in the model cache")
	save := flag.String("save", "", "Directory to write the merged model to")
	cacheDir := flag.String("cache-dir", defaultCacheDir(), "Model cache for org/name lookups")
	verify := flag.Bool("verify", false, "Load the merged weights into a classifier before saving")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *base == "" || *adapter == "" || *save == "" {
		flag.Usage()
		os.Exit(2)
	}

	start := time.Now()
	res, err := merge.Run(merge.Options{
		Base:     *base,
		Adapter:  *adapter,
		SavePath: *save,
		CacheDir: *cacheDir,
		Verify:   *verify,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Merge failed")
	}

	event := log.Info().
		Str("base", res.BaseDir).
		Str("adapter", res.AdapterDir).
		Int("merged", len(res.Report.Merged)).
		Int("replaced", len(res.Report.Replaced)).
		Dur("elapsed", time.Since(start))
	if res.Load != nil {
		event = event.Int("loaded", res.Load.Loaded).Int("unexpected", len(res.Load.Unexpected))
	}
	event.Str("path", *save).Msg("Model saved")
}

// defaultCacheDir follows HF_HOME, falling back to ~/.cache/huggingface/hub.
func defaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}
