package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a named override set for one deployment, layered on
// top of the environment configuration. Profiles capture the per-deployment
// policy decisions: storage backends, retention, and how replay treats
// historical events that violate current rules.
type DeploymentProfile struct {
	Name     string         `yaml:"name" json:"name"`
	Code     string         `yaml:"code" json:"code"`
	Journal  JournalConfig  `yaml:"journal" json:"journal"`
	Guard    GuardConfig    `yaml:"guard" json:"guard"`
	Snapshot SnapshotConfig `yaml:"snapshot" json:"snapshot"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
}

// JournalConfig selects and parametrizes the journal backend.
type JournalConfig struct {
	Backend     string `yaml:"backend,omitempty" json:"backend,omitempty"`
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
}

// GuardConfig selects the idempotency guard backend and retention window.
type GuardConfig struct {
	Backend       string `yaml:"backend,omitempty" json:"backend,omitempty"`
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
}

// SnapshotConfig controls snapshot cadence and retention.
type SnapshotConfig struct {
	Backend     string `yaml:"backend,omitempty" json:"backend,omitempty"`
	EveryEvents int    `yaml:"every_events,omitempty" json:"every_events,omitempty"`
	Keep        int    `yaml:"keep,omitempty" json:"keep,omitempty"`
}

// LedgerConfig holds the business-rule policy knobs.
type LedgerConfig struct {
	FoldPolicy          string   `yaml:"fold_policy,omitempty" json:"fold_policy,omitempty"`
	AllowNegativeCredit []string `yaml:"allow_negative_credit,omitempty" json:"allow_negative_credit,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile's set fields onto the config. Unset profile
// fields leave the environment values in place.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if p.Journal.Backend != "" {
		cfg.JournalBackend = p.Journal.Backend
	}
	if p.Journal.Path != "" {
		cfg.JournalPath = p.Journal.Path
	}
	if p.Journal.DatabaseURL != "" {
		cfg.DatabaseURL = p.Journal.DatabaseURL
	}
	if p.Guard.Backend != "" {
		cfg.GuardBackend = p.Guard.Backend
	}
	if p.Guard.RedisAddr != "" {
		cfg.RedisAddr = p.Guard.RedisAddr
	}
	if p.Guard.RetentionDays > 0 {
		cfg.GuardRetention = time.Duration(p.Guard.RetentionDays) * 24 * time.Hour
	}
	if p.Snapshot.Backend != "" {
		cfg.SnapshotBackend = p.Snapshot.Backend
	}
	if p.Snapshot.EveryEvents > 0 {
		cfg.SnapshotEveryEvents = p.Snapshot.EveryEvents
	}
	if p.Snapshot.Keep > 0 {
		cfg.SnapshotKeep = p.Snapshot.Keep
	}
	if p.Ledger.FoldPolicy != "" {
		cfg.FoldPolicy = p.Ledger.FoldPolicy
	}
	if len(p.Ledger.AllowNegativeCredit) > 0 {
		cfg.AllowNegativeCredit = p.Ledger.AllowNegativeCredit
	}
}
