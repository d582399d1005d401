package merge

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// AdapterConfigFile and AdapterWeightsFile name the adapter artifacts.
const (
	AdapterConfigFile  = "adapter_config.json"
	AdapterWeightsFile = "adapter_model.safetensors"
)

// AdapterConfig is the subset of adapter_config.json used for merging.
type AdapterConfig struct {
	PeftType            string      `json:"peft_type"`
	BaseModelNameOrPath string      `json:"base_model_name_or_path"`
	R                   int         `json:"r"`
	LoraAlpha           float64     `json:"lora_alpha"`
	TargetModules       StringOrSet `json:"target_modules"`
	FanInFanOut         bool        `json:"fan_in_fan_out"`
	ModulesToSave       []string    `json:"modules_to_save"`
	UseRSLoRA           bool        `json:"use_rslora"`
}

// StringOrSet decodes either a single pattern or a list of module names.
type StringOrSet []string

func (s *StringOrSet) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringOrSet{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("target_modules: %w", err)
	}
	*s = many
	return nil
}

// LoadAdapterConfig reads and validates an adapter config.
func LoadAdapterConfig(path string) (AdapterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AdapterConfig{}, err
	}
	var cfg AdapterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AdapterConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.PeftType != "" && cfg.PeftType != "LORA" {
		return AdapterConfig{}, fmt.Errorf("merge: unsupported adapter type %q", cfg.PeftType)
	}
	if cfg.R <= 0 {
		return AdapterConfig{}, fmt.Errorf("merge: adapter rank must be positive, got %d", cfg.R)
	}
	return cfg, nil
}

// Scale is the factor applied to B·A: alpha/r, or alpha/sqrt(r) with
// rank-stabilised LoRA.
func (c AdapterConfig) Scale() float64 {
	if c.UseRSLoRA {
		return c.LoraAlpha / math.Sqrt(float64(c.R))
	}
	return c.LoraAlpha / float64(c.R)
}
