package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/lumenfleet/fota-agent/internal/fwversion"
)

// Validate checks the config for invalid values and returns all errors
// found. A device with an invalid setup must not attempt updates, so any
// error here is process-fatal for the caller.
func (c *Config) Validate() []error {
	var errs []error

	if c.CurrentVersion == "" {
		errs = append(errs, fmt.Errorf("current_version is required"))
	} else if _, err := fwversion.Parse(c.CurrentVersion); err != nil {
		errs = append(errs, fmt.Errorf("current_version: %w", err))
	}

	switch c.SourceKind {
	case SourceManifest:
		errs = appendURLErr(errs, "manifest_url", c.ManifestURL)
	case SourceRelease:
		errs = appendURLErr(errs, "release_url", c.ReleaseURL)
		if c.FirmwareAsset == "" {
			errs = append(errs, fmt.Errorf("firmware_asset is required for the release source"))
		}
		if c.SignatureAsset == "" {
			errs = append(errs, fmt.Errorf("signature_asset is required for the release source"))
		}
	default:
		errs = append(errs, fmt.Errorf("source_kind must be %q or %q, got %q", SourceManifest, SourceRelease, c.SourceKind))
	}

	if c.PublicKeyPEM == "" && c.PublicKeyPath == "" {
		errs = append(errs, fmt.Errorf("one of public_key_pem or public_key_path is required"))
	} else if c.PublicKeyPEM == "" {
		if _, err := os.Stat(c.PublicKeyPath); err != nil {
			errs = append(errs, fmt.Errorf("public_key_path: %w", err))
		}
	}

	if c.StagingDir == "" {
		errs = append(errs, fmt.Errorf("staging_dir is required"))
	}

	for _, iv := range []struct {
		name  string
		value int
	}{
		{"check_interval_seconds", c.CheckIntervalSeconds},
		{"heartbeat_interval_seconds", c.HeartbeatIntervalSeconds},
		{"request_timeout_seconds", c.RequestTimeoutSeconds},
		{"stall_timeout_seconds", c.StallTimeoutSeconds},
		{"chunk_size_bytes", c.ChunkSizeBytes},
	} {
		if iv.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", iv.name, iv.value))
		}
	}

	return errs
}

func appendURLErr(errs []error, field, value string) []error {
	if value == "" {
		return append(errs, fmt.Errorf("%s is required", field))
	}
	u, err := url.Parse(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s %q is not a valid URL: %w", field, value, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return append(errs, fmt.Errorf("%s scheme must be http or https, got %q", field, u.Scheme))
	}
	return errs
}
