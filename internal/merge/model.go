package merge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-heads/internal/classifier"
	"github.com/23skdu/fletcher-heads/internal/device"
	"github.com/23skdu/fletcher-heads/internal/tokenizer"
	"github.com/23skdu/fletcher-heads/internal/weights"
)

// Files of a model directory.
const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

// tokenizerExtras are copied verbatim when present.
var tokenizerExtras = []string{"tokenizer_config.json", "special_tokens_map.json"}

// Options configures Run.
type Options struct {
	Base     string
	Adapter  string
	SavePath string
	CacheDir string
	// Verify loads the merged checkpoint into a freshly built classifier and
	// logs parameters it does not cover.
	Verify bool
	Logger *zerolog.Logger
}

// Result describes a completed merge.
type Result struct {
	BaseDir    string
	AdapterDir string
	Report     Report
	Load       *weights.Report
}

// Run loads the base model and adapter, merges them and saves the merged
// model with its tokenizer under SavePath.
func Run(opts Options) (*Result, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.SavePath == "" {
		return nil, errors.New("merge: save path is required")
	}

	baseDir, err := Resolve(opts.Base, opts.CacheDir)
	if err != nil {
		return nil, err
	}
	adapterDir, err := Resolve(opts.Adapter, opts.CacheDir)
	if err != nil {
		return nil, err
	}
	res := &Result{BaseDir: baseDir, AdapterDir: adapterDir}

	logger.Info().Str("path", baseDir).Msg("Loading base model")
	cfg, err := classifier.LoadConfig(filepath.Join(baseDir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}
	base, err := weights.ReadFile(filepath.Join(baseDir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load base weights: %w", err)
	}
	tok, err := tokenizer.NewWordPieceTokenizer(filepath.Join(baseDir, tokenizer.VocabFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	logger.Info().Str("path", adapterDir).Msg("Loading adapter")
	adapterCfg, err := LoadAdapterConfig(filepath.Join(adapterDir, AdapterConfigFile))
	if err != nil {
		return nil, err
	}
	adapter, err := weights.ReadFile(filepath.Join(adapterDir, AdapterWeightsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load adapter weights: %w", err)
	}

	start := time.Now()
	logger.Info().Int("r", adapterCfg.R).Float64("scale", adapterCfg.Scale()).Msg("Merging model")
	if res.Report, err = Merge(base, adapter, adapterCfg); err != nil {
		return nil, err
	}
	logger.Info().
		Int("merged", len(res.Report.Merged)).
		Int("replaced", len(res.Report.Replaced)).
		Dur("elapsed", time.Since(start)).
		Msg("Merged adapter")

	if opts.Verify {
		report, err := verify(cfg, base)
		if err != nil {
			return nil, err
		}
		res.Load = &report
		if len(report.Missing) > 0 {
			logger.Warn().Strs("missing", report.Missing).Msg("Merged checkpoint does not cover every classifier parameter")
		}
	}

	logger.Info().Str("path", opts.SavePath).Msg("Saving model")
	if err := save(opts.SavePath, baseDir, cfg, base, tok); err != nil {
		return nil, err
	}
	return res, nil
}

// verify builds the classifier described by cfg and loads the merged
// tensors into it.
func verify(cfg classifier.Config, f *weights.File) (weights.Report, error) {
	m, err := classifier.NewFromConfig(cfg, device.NewCPUBackend())
	if err != nil {
		return weights.Report{}, fmt.Errorf("failed to build classifier for verification: %w", err)
	}
	return weights.Load(m.NamedParameters(), f, false)
}

func save(dir, baseDir string, cfg classifier.Config, f *weights.File, tok *tokenizer.WordPieceTokenizer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if f.Metadata == nil {
		f.Metadata = map[string]string{}
	}
	f.Metadata["format"] = "pt"
	if err := weights.WriteFile(filepath.Join(dir, WeightsFile), f); err != nil {
		return fmt.Errorf("failed to save weights: %w", err)
	}
	if err := cfg.Save(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := tok.Save(dir); err != nil {
		return fmt.Errorf("failed to save tokenizer: %w", err)
	}
	for _, name := range tokenizerExtras {
		data, err := os.ReadFile(filepath.Join(baseDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	return nil
}
