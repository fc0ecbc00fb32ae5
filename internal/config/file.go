package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "mem://multiplayer/config.schema.json"

var ErrInvalidConfig = errors.New("config: invalid")

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// LoadFile reads a YAML config file over the defaults, validates it against
// the embedded schema, then applies environment overrides. An empty path is
// the same as Load.
func LoadFile(path string) (AppConfig, error) {
	if strings.TrimSpace(path) == "" {
		return Load(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return AppConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return FromEnv(cfg), nil
}

// Parse decodes and validates YAML config bytes over the defaults. It does
// not read the environment.
func Parse(b []byte) (AppConfig, error) {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return AppConfig{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw != nil {
		if err := validate(raw); err != nil {
			return AppConfig{}, err
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// validate checks the document shape. YAML values are round-tripped through
// JSON so that numbers and maps have the types the validator expects.
func validate(raw any) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var doc any
	if err := json.Unmarshal(js, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks constraints the schema cannot express.
func (c AppConfig) Validate() error {
	if r := c.Replication.Region; r != nil && (r.MaxX <= r.MinX || r.MaxY <= r.MinY) {
		return fmt.Errorf("%w: empty replication region", ErrInvalidConfig)
	}
	if c.Replication.UpdateInterval < 0 {
		return fmt.Errorf("%w: negative update_interval", ErrInvalidConfig)
	}
	if c.World.CellSize > 0 && c.Replication.ViewRadius > 4*c.World.CellSize {
		return fmt.Errorf("%w: view_radius %.0f spans too many %.0f cells", ErrInvalidConfig,
			c.Replication.ViewRadius, c.World.CellSize)
	}
	return nil
}
