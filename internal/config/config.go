// Package config loads vault settings from album.yaml, ALBUM_* environment
// variables and built-in defaults, in that order of precedence reversed:
// environment beats file, file beats defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/marchage/EncryptedAlbum-sub005/auth"
	"github.com/marchage/EncryptedAlbum-sub005/container"
	"github.com/marchage/EncryptedAlbum-sub005/internal/erase"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// Config holds every tunable of the vault.
type Config struct {
	VaultDir             string        `mapstructure:"vault_dir"`
	ChunkSize            uint32        `mapstructure:"chunk_size"`
	SecureEraseCap       int64         `mapstructure:"secure_erase_cap"`
	KDFVersion           int           `mapstructure:"kdf_version"`
	KDFIterations        int           `mapstructure:"kdf_iterations"`
	MinPasswordLength    int           `mapstructure:"min_password_length"`
	MinStrengthScore     int           `mapstructure:"min_strength_score"`
	RequireCharClasses   bool          `mapstructure:"require_char_classes"`
	MaxFailedAttempts    int           `mapstructure:"max_failed_attempts"`
	WipeOnMaxFailures    bool          `mapstructure:"wipe_on_max_failures"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	EraseSourceAfterHide bool          `mapstructure:"erase_source_after_hide"`
}

func setDefaults(v *viper.Viper) {
	throttle := auth.DefaultThrottleConfig()

	v.SetDefault("vault_dir", "./vault")
	v.SetDefault("chunk_size", container.DefaultChunkSize)
	v.SetDefault("secure_erase_cap", erase.DefaultSizeCap)
	v.SetDefault("kdf_version", krypto.KDFVersionPBKDF2)
	v.SetDefault("kdf_iterations", krypto.DefaultPBKDF2Iterations)
	v.SetDefault("min_password_length", auth.DefaultMinLength)
	v.SetDefault("min_strength_score", 0)
	v.SetDefault("require_char_classes", false)
	v.SetDefault("max_failed_attempts", throttle.MaxFailedAttempts)
	v.SetDefault("wipe_on_max_failures", throttle.WipeOnMaxFailures)
	v.SetDefault("backoff_base", throttle.BackoffBase)
	v.SetDefault("backoff_max", throttle.BackoffMax)
	v.SetDefault("erase_source_after_hide", false)
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads configuration. An explicit path must exist; otherwise
// album.yaml is searched in ".", "./config" and "$HOME/.album" and may be
// absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("album")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.album")
	}

	v.SetEnvPrefix("ALBUM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.VaultDir == "" {
		return errors.New("vault_dir must not be empty")
	}
	if c.ChunkSize < container.MinChunkSize || c.ChunkSize > container.MaxChunkSize {
		return fmt.Errorf("chunk_size %d outside [%d, %d]", c.ChunkSize, container.MinChunkSize, container.MaxChunkSize)
	}
	if err := c.KDFParams().Validate(); err != nil {
		return err
	}
	if c.KDFVersion == krypto.KDFVersionPBKDF2 && c.KDFIterations < krypto.DefaultPBKDF2Iterations {
		return fmt.Errorf("kdf_iterations must be at least %d", krypto.DefaultPBKDF2Iterations)
	}
	if c.MinStrengthScore < 0 || c.MinStrengthScore > 4 {
		return errors.New("min_strength_score must be between 0 and 4")
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return errors.New("backoff durations must not be negative")
	}
	return nil
}

// KDFParams returns the parameters used for new credentials.
func (c Config) KDFParams() krypto.KDFParams {
	p := krypto.DefaultKDFParams(c.KDFVersion)
	if c.KDFVersion == krypto.KDFVersionPBKDF2 {
		p.Iterations = c.KDFIterations
	}
	return p
}

// Policy returns the password policy.
func (c Config) Policy() auth.Policy {
	p := auth.DefaultPolicy()
	if c.MinPasswordLength > 0 {
		p.MinLength = c.MinPasswordLength
	}
	p.MinScore = c.MinStrengthScore
	p.RequireClasses = c.RequireCharClasses
	return p
}

// Throttle returns the unlock throttle settings.
func (c Config) Throttle() auth.ThrottleConfig {
	return auth.ThrottleConfig{
		MaxFailedAttempts: c.MaxFailedAttempts,
		WipeOnMaxFailures: c.WipeOnMaxFailures,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
	}
}
