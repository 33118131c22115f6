package config

import (
	"fmt"
	"os"

	"github.com/lei/pipeline-core/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// PipelinesConfig represents the pipeline definitions file structure
type PipelinesConfig struct {
	Pipelines []pipeline.Definition `yaml:"pipelines"`
}

// LoadPipelines reads and parses the pipeline definitions file,
// validating each definition's structural consistency (known stages,
// needs referencing earlier stages, complete cross-dependency specs).
func LoadPipelines(path string) (map[string]*pipeline.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines config file: %w", err)
	}

	var cfg PipelinesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pipelines config: %w", err)
	}

	defs := make(map[string]*pipeline.Definition, len(cfg.Pipelines))
	for i := range cfg.Pipelines {
		def := &cfg.Pipelines[i]
		if def.Name == "" {
			return nil, fmt.Errorf("pipeline at index %d missing name", i)
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("pipeline %q defined twice", def.Name)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
		}
		defs[def.Name] = def
	}

	return defs, nil
}
