package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thanos-vault/thanos/krypto"
)

// Settings is the user-editable configuration kept in settings.yaml.
type Settings struct {
	KDF      KDFSettings      `yaml:"kdf"`
	Security SecuritySettings `yaml:"security"`
	Policy   PolicySettings   `yaml:"policy"`
	Log      LogSettings      `yaml:"log"`
}

type KDFSettings struct {
	TimeCost    uint32 `yaml:"time_cost"`
	MemoryMiB   uint32 `yaml:"memory_mib"`
	Parallelism uint8  `yaml:"parallelism"`
}

type SecuritySettings struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BlockDelay   time.Duration `yaml:"block_delay"`
	LogRetention time.Duration `yaml:"log_retention"`
}

type PolicySettings struct {
	MinScore      *int  `yaml:"min_score"`
	CheckBreaches *bool `yaml:"check_breaches"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultSettings returns the values used when settings.yaml is absent.
func DefaultSettings() Settings {
	off := false
	score := 3
	return Settings{
		KDF: KDFSettings{TimeCost: 3, MemoryMiB: 256},
		Security: SecuritySettings{
			MaxAttempts:  5,
			BlockDelay:   5 * time.Second,
			LogRetention: 30 * 24 * time.Hour,
		},
		Policy: PolicySettings{MinScore: &score, CheckBreaches: &off},
		Log:    LogSettings{Level: "info", Format: "text"},
	}
}

// LoadSettings reads settings.yaml from p. A missing file yields defaults;
// fields left out of the file keep their default values.
func LoadSettings(p Paths) (Settings, error) {
	cfg := DefaultSettings()

	data, err := os.ReadFile(p.SettingsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	var parsed Settings
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("decode settings: %w", err)
	}
	merge(&cfg, parsed)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveSettings writes s to settings.yaml.
func SaveSettings(p Paths, s Settings) error {
	if err := p.EnsureDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return WriteFileAtomic(p.SettingsPath(), data, 0o600)
}

func merge(dst *Settings, src Settings) {
	if src.KDF.TimeCost != 0 {
		dst.KDF.TimeCost = src.KDF.TimeCost
	}
	if src.KDF.MemoryMiB != 0 {
		dst.KDF.MemoryMiB = src.KDF.MemoryMiB
	}
	if src.KDF.Parallelism != 0 {
		dst.KDF.Parallelism = src.KDF.Parallelism
	}
	if src.Security.MaxAttempts != 0 {
		dst.Security.MaxAttempts = src.Security.MaxAttempts
	}
	if src.Security.BlockDelay != 0 {
		dst.Security.BlockDelay = src.Security.BlockDelay
	}
	if src.Security.LogRetention != 0 {
		dst.Security.LogRetention = src.Security.LogRetention
	}
	if src.Policy.MinScore != nil {
		dst.Policy.MinScore = src.Policy.MinScore
	}
	if src.Policy.CheckBreaches != nil {
		dst.Policy.CheckBreaches = src.Policy.CheckBreaches
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

// Validate rejects settings that would produce an unusable vault.
func (s Settings) Validate() error {
	switch {
	case s.KDF.TimeCost == 0:
		return errors.New("settings: kdf.time_cost must be positive")
	case s.KDF.MemoryMiB < 8:
		return errors.New("settings: kdf.memory_mib must be at least 8")
	case s.Security.MaxAttempts < 1:
		return errors.New("settings: security.max_attempts must be positive")
	case s.Security.BlockDelay <= 0:
		return errors.New("settings: security.block_delay must be positive")
	case s.Policy.MinimumScore() < 0 || s.Policy.MinimumScore() > 4:
		return errors.New("settings: policy.min_score must be between 0 and 4")
	}
	if _, err := s.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("settings: unknown log.format %q", s.Log.Format)
	}
	return nil
}

// Argon2Params converts the kdf section into derivation parameters.
func (s Settings) Argon2Params() krypto.Argon2Params {
	p := krypto.DefaultArgon2Params()
	p.Time = s.KDF.TimeCost
	p.MemoryKiB = s.KDF.MemoryMiB * 1024
	if s.KDF.Parallelism != 0 {
		p.Parallelism = s.KDF.Parallelism
	}
	return p
}

// MinimumScore is the zxcvbn score new master passwords must reach. An unset
// policy falls back to 3.
func (p PolicySettings) MinimumScore() int {
	if p.MinScore == nil {
		return 3
	}
	return *p.MinScore
}

// BreachCheck reports whether new master passwords are checked against HIBP.
func (s Settings) BreachCheck() bool {
	return s.Policy.CheckBreaches != nil && *s.Policy.CheckBreaches
}

// LogLevel parses log.level.
func (s Settings) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.Log.Level)); err != nil {
		return lvl, fmt.Errorf("settings: unknown log.level %q", s.Log.Level)
	}
	return lvl, nil
}
