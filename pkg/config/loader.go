package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// ClusterConfig is one cluster definition: its agents plus optional
// cluster-wide execution context.
type ClusterConfig struct {
	Name         string                   `yaml:"name,omitempty" json:"name,omitempty"`
	WorktreePath string                   `yaml:"worktreePath,omitempty" json:"worktreePath,omitempty"`
	Agents       []models.AgentDefinition `yaml:"agents" json:"agents"`
}

// IsTemplate reports whether raw YAML looks like a template instantiation
// ({base, params}) rather than a direct cluster config.
func IsTemplate(raw []byte) bool {
	var probe struct {
		Base string `yaml:"base"`
	}
	return yaml.Unmarshal(raw, &probe) == nil && probe.Base != ""
}

// LoadClusterConfig reads and validates a cluster config YAML file.
// Environment references ($VAR, ${VAR}) in the file are expanded before
// parsing, so prompts and cwd values can carry host paths and tokens.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config %s: %w", path, err)
	}
	cfg, err := ParseClusterConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseClusterConfig parses raw YAML into a validated ClusterConfig.
func ParseClusterConfig(raw []byte) (*ClusterConfig, error) {
	expanded := os.ExpandEnv(string(raw))
	var cfg ClusterConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ClusterConfigFromMap converts a generic map (hook spawn_sub_cluster
// payloads, template output) into a validated ClusterConfig.
func ClusterConfigFromMap(m map[string]any) (*ClusterConfig, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cluster config map: %w", err)
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cluster config map: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
