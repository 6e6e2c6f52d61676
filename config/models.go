// Package config loads the models configuration: the mapping from model
// identifier to per-1k-token pricing and JSON-schema capability that the
// orchestrator and pricing table need at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// ModelPricing describes the per-1,000-token prices for one model and
	// whether the model supports JSON-schema constrained output.
	ModelPricing struct {
		// Input is the price per 1,000 input tokens.
		Input float64 `yaml:"input"`

		// Output is the price per 1,000 output tokens.
		Output float64 `yaml:"output"`

		// Cache is the price per 1,000 cached input tokens.
		Cache float64 `yaml:"cache"`

		// JSONSchema reports whether the model accepts a response_format
		// JSON schema constraint.
		JSONSchema bool `yaml:"json_schema"`
	}

	// Models maps a model identifier to its pricing and capabilities.
	Models map[string]ModelPricing
)

// ErrNoModels indicates the models configuration file declares no models.
// A missing or unreadable file is reported by LoadModels as the wrapped read
// error instead. Either is a fatal startup error; callers should not
// attempt to construct an orchestrator without a models file.
var ErrNoModels = errors.New("config: no models configured")

// LoadModels reads and decodes a YAML models configuration file. The file
// must exist and declare at least one model.
func LoadModels(path string) (Models, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading models file %q: %w", path, err)
	}

	var models Models
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&models); err != nil {
		return nil, fmt.Errorf("config: decoding models file %q: %w", path, err)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoModels, path)
	}
	return models, nil
}

// Lookup returns the pricing/capability entry for model, and whether it was
// found. Unknown models are the caller's responsibility to reject or price
// at zero, depending on context.
func (m Models) Lookup(model string) (ModelPricing, bool) {
	p, ok := m[model]
	return p, ok
}

// SupportsJSONSchema reports whether model is known and flagged as
// supporting JSON-schema constrained responses.
func (m Models) SupportsJSONSchema(model string) bool {
	p, ok := m[model]
	return ok && p.JSONSchema
}
