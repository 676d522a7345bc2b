package pricing

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// overridesFile mirrors the shape of the optional TOML pricing file:
//
//	[models."claude-sonnet-4-5"]
//	input_per_mtok = 3.0
//	output_per_mtok = 15.0
type overridesFile struct {
	Models map[string]rateOverride `toml:"models"`
}

type rateOverride struct {
	InputPerMTok       *float64 `toml:"input_per_mtok"`
	OutputPerMTok      *float64 `toml:"output_per_mtok"`
	ReasoningPerMTok   *float64 `toml:"reasoning_per_mtok"`
	CacheReadPerMTok   *float64 `toml:"cache_read_per_mtok"`
	CacheCreatePerMTok *float64 `toml:"cache_create_per_mtok"`
}

// LoadOverrides merges a TOML overrides file into the table. A missing file
// is not an error; a malformed one is.
func (t *Table) LoadOverrides(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pricing overrides: %w", err)
	}

	var file overridesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse pricing overrides: %w", err)
	}

	for model, o := range file.Models {
		rates := t.rates[model]
		if o.InputPerMTok != nil {
			rates.InputPerMTok = *o.InputPerMTok
		}
		if o.OutputPerMTok != nil {
			rates.OutputPerMTok = *o.OutputPerMTok
		}
		if o.ReasoningPerMTok != nil {
			rates.ReasoningPerMTok = *o.ReasoningPerMTok
		}
		if o.CacheReadPerMTok != nil {
			rates.CacheReadPerMTok = *o.CacheReadPerMTok
		}
		if o.CacheCreatePerMTok != nil {
			rates.CacheCreatePerMTok = *o.CacheCreatePerMTok
		}
		t.rates[model] = rates
	}
	return nil
}
