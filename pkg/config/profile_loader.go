package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TuningProfile represents a workload-specific tuning profile.
type TuningProfile struct {
	Name              string  `yaml:"name" json:"name"`
	Code              string  `yaml:"code" json:"code"`
	BatchLimit        int     `yaml:"batch_limit" json:"batch_limit"`
	ResolveIntervalMs int     `yaml:"resolve_interval_ms" json:"resolve_interval_ms"`
	MaxAttempts       int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	RetryBaseDelayMs  int     `yaml:"retry_base_delay_ms,omitempty" json:"retry_base_delay_ms,omitempty"`
	BatchesPerSecond  float64 `yaml:"batches_per_second,omitempty" json:"batches_per_second,omitempty"`
	KeyWindowHours    int     `yaml:"key_window_hours,omitempty" json:"key_window_hours,omitempty"`
}

// LoadProfile loads a tuning profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TuningProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TuningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TuningProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TuningProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TuningProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_bulk.yaml -> bulk
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overrides cfg with the profile's non-zero tuning values.
func (p *TuningProfile) Apply(cfg *Config) {
	if p.BatchLimit > 0 {
		cfg.BatchLimit = p.BatchLimit
	}
	if p.ResolveIntervalMs > 0 {
		cfg.ResolveInterval = time.Duration(p.ResolveIntervalMs) * time.Millisecond
	}
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.RetryBaseDelayMs > 0 {
		cfg.RetryBaseDelay = time.Duration(p.RetryBaseDelayMs) * time.Millisecond
	}
	if p.BatchesPerSecond > 0 {
		cfg.BatchesPerSecond = p.BatchesPerSecond
	}
	if p.KeyWindowHours > 0 {
		cfg.KeyWindow = time.Duration(p.KeyWindowHours) * time.Hour
	}
}
