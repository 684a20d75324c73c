// Package config loads and validates the engine's two configuration
// surfaces: the engine-wide settings file (settings.json5 in the state
// dir) and per-cluster agent definitions (YAML). Settings are read
// through on every load; nothing in this package caches them.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/titanous/json5"

	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/models"
)

// SettingsFileName is the settings file inside the state dir.
const SettingsFileName = "settings.json5"

// SettingsStore reads settings.json5 under the same advisory file lock
// the ledger index uses.
type SettingsStore struct {
	path   string
	logger *slog.Logger
}

// NewSettingsStore creates a store over <stateDir>/settings.json5.
func NewSettingsStore(stateDir string) *SettingsStore {
	return &SettingsStore{
		path:   filepath.Join(stateDir, SettingsFileName),
		logger: slog.With("component", "settings"),
	}
}

// Defaults returns the settings used when no file exists. The default
// provider comes from ENSEMBLE_PROVIDER when set.
func Defaults() models.Settings {
	provider := os.Getenv(models.DefaultProviderEnvVar)
	if provider == "" {
		provider = models.DefaultProviderName
	}
	strict := true
	return models.Settings{
		MaxModel:        string(models.ModelLevel3),
		MinModel:        string(models.ModelLevel1),
		DefaultProvider: provider,
		StrictSchema:    &strict,
		RetentionDays:   models.DefaultRetentionDays,
		SweepIntervalMS: models.DefaultSweepIntervalMS,
	}
}

// Load reads the settings file, maps legacy model names to levels and
// fills unset fields from Defaults. A missing file yields Defaults.
func (s *SettingsStore) Load() (models.Settings, error) {
	lock, err := ledger.AcquireLock(s.path)
	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to lock settings file: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("Failed to release settings lock", "error", err)
		}
	}()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to read settings file %s: %w", s.path, err)
	}

	var loaded models.Settings
	if err := json5.Unmarshal(raw, &loaded); err != nil {
		return models.Settings{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidSettings, s.path, err)
	}
	if err := normalizeSettings(&loaded); err != nil {
		return models.Settings{}, err
	}
	if err := mergo.Merge(&loaded, Defaults()); err != nil {
		return models.Settings{}, fmt.Errorf("failed to merge settings defaults: %w", err)
	}
	return loaded, nil
}

// normalizeSettings rewrites legacy model names (haiku, sonnet, opus)
// to their levels and rejects values that are neither.
func normalizeSettings(settings *models.Settings) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"maxModel", &settings.MaxModel},
		{"minModel", &settings.MinModel},
	}
	for _, f := range fields {
		if err := normalizeLevelField(f.name, f.value); err != nil {
			return err
		}
	}

	for provider, ps := range settings.ProviderSettings {
		for name, value := range map[string]*string{
			"minLevel":     &ps.MinLevel,
			"maxLevel":     &ps.MaxLevel,
			"defaultLevel": &ps.DefaultLevel,
		} {
			if err := normalizeLevelField(provider+"."+name, value); err != nil {
				return err
			}
		}
		if len(ps.LevelOverrides) > 0 {
			overrides := make(map[string]string, len(ps.LevelOverrides))
			for level, model := range ps.LevelOverrides {
				normalized, ok := models.NormalizeModelLevel(level)
				if !ok {
					return fmt.Errorf("%w: provider %s has levelOverrides key %q", ErrInvalidSettings, provider, level)
				}
				overrides[string(normalized)] = model
			}
			ps.LevelOverrides = overrides
		}
		settings.ProviderSettings[provider] = ps
	}

	if settings.MinModel != "" && settings.MaxModel != "" {
		minRank := models.ModelLevel(settings.MinModel).Rank()
		maxRank := models.ModelLevel(settings.MaxModel).Rank()
		if minRank > maxRank {
			return fmt.Errorf("%w: minModel %s exceeds maxModel %s", ErrInvalidSettings, settings.MinModel, settings.MaxModel)
		}
	}
	return nil
}

func normalizeLevelField(name string, value *string) error {
	if *value == "" {
		return nil
	}
	level, ok := models.NormalizeModelLevel(*value)
	if !ok {
		return fmt.Errorf("%w: %s %q is not a model level", ErrInvalidSettings, name, *value)
	}
	*value = string(level)
	return nil
}
