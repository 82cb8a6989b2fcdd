package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Source kinds supported by the agent.
const (
	SourceManifest = "manifest"
	SourceRelease  = "release"
)

type Config struct {
	CurrentVersion string `mapstructure:"current_version"`

	SourceKind     string `mapstructure:"source_kind"`
	ManifestURL    string `mapstructure:"manifest_url"`
	ReleaseURL     string `mapstructure:"release_url"`
	FirmwareAsset  string `mapstructure:"firmware_asset"`
	SignatureAsset string `mapstructure:"signature_asset"`

	// The trust anchor may be given inline or as a file path; inline wins.
	PublicKeyPEM  string `mapstructure:"public_key_pem"`
	PublicKeyPath string `mapstructure:"public_key_path"`

	StagingDir string `mapstructure:"staging_dir"`

	CheckIntervalSeconds     int `mapstructure:"check_interval_seconds"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	RequestTimeoutSeconds    int `mapstructure:"request_timeout_seconds"`
	StallTimeoutSeconds      int `mapstructure:"stall_timeout_seconds"`
	ChunkSizeBytes           int `mapstructure:"chunk_size_bytes"`

	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`
}

func Default() *Config {
	return &Config{
		SourceKind:               SourceManifest,
		FirmwareAsset:            "firmware.bin",
		SignatureAsset:           "signature.bin",
		StagingDir:               filepath.Join(configDir(), "slots"),
		CheckIntervalSeconds:     300,
		HeartbeatIntervalSeconds: 60,
		RequestTimeoutSeconds:    120,
		StallTimeoutSeconds:      30,
		ChunkSizeBytes:           1024,
		LogFormat:                "text",
		LogLevel:                 "info",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FOTA")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PublicKey returns the PEM bytes of the trust anchor, reading the key file
// if no inline key is configured.
func (c *Config) PublicKey() ([]byte, error) {
	if c.PublicKeyPEM != "" {
		return []byte(c.PublicKeyPEM), nil
	}
	return os.ReadFile(c.PublicKeyPath)
}

// SourceURL returns the location the configured backend checks.
func (c *Config) SourceURL() string {
	if c.SourceKind == SourceRelease {
		return c.ReleaseURL
	}
	return c.ManifestURL
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Lumenfleet")
	case "darwin":
		return "/Library/Application Support/Lumenfleet"
	default:
		return "/etc/lumenfleet"
	}
}
