package models

// Default settings values applied when settings.json5 is missing or
// leaves a field unset.
const (
	DefaultProviderEnvVar  = "ENSEMBLE_PROVIDER"
	DefaultProviderName    = "claude"
	DefaultRetentionDays   = 14
	DefaultSweepIntervalMS = 60 * 60 * 1000
)

// Settings is the engine-wide configuration read from settings.json5.
// It is consumed read-through at two points only: cluster start and
// task spawn. Nothing caches a Settings value across task executions.
type Settings struct {
	MaxModel         string                      `json:"maxModel,omitempty"`
	MinModel         string                      `json:"minModel,omitempty"`
	DefaultProvider  string                      `json:"defaultProvider,omitempty"`
	StrictSchema     *bool                       `json:"strictSchema,omitempty"`
	ProviderSettings map[string]ProviderSettings `json:"providerSettings,omitempty"`
	RetentionDays    int                         `json:"retentionDays,omitempty"`
	SweepIntervalMS  int64                       `json:"sweepInterval_ms,omitempty"`
	MaskingPatterns  []string                    `json:"maskingPatterns,omitempty"`
}

// ProviderSettings scopes level bounds and overrides to one provider.
// LevelOverrides maps a level to the provider's concrete model name.
type ProviderSettings struct {
	MinLevel       string            `json:"minLevel,omitempty"`
	MaxLevel       string            `json:"maxLevel,omitempty"`
	DefaultLevel   string            `json:"defaultLevel,omitempty"`
	LevelOverrides map[string]string `json:"levelOverrides,omitempty"`
}

// MaxModelLevel returns the cluster-wide model ceiling, defaulting to level3.
func (s Settings) MaxModelLevel() ModelLevel {
	if l, ok := NormalizeModelLevel(s.MaxModel); ok {
		return l
	}
	return ModelLevel3
}

// MinModelLevel returns the cluster-wide model floor, defaulting to level1.
func (s Settings) MinModelLevel() ModelLevel {
	if l, ok := NormalizeModelLevel(s.MinModel); ok {
		return l
	}
	return ModelLevel1
}

// StrictSchemaEnabled returns the strictSchema flag, defaulting to true.
func (s Settings) StrictSchemaEnabled() bool {
	if s.StrictSchema == nil {
		return true
	}
	return *s.StrictSchema
}

// ModelForLevel resolves a level to a concrete model name for the given
// provider, falling back to "<provider>-<level>" when no override exists.
func (s Settings) ModelForLevel(provider string, level ModelLevel) string {
	if ps, ok := s.ProviderSettings[provider]; ok {
		if name, ok := ps.LevelOverrides[string(level)]; ok && name != "" {
			return name
		}
	}
	return provider + "-" + string(level)
}
