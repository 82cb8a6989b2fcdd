package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lumenfleet/fota-agent/internal/agent"
	"github.com/lumenfleet/fota-agent/internal/config"
	"github.com/lumenfleet/fota-agent/internal/flash"
	"github.com/lumenfleet/fota-agent/internal/fwversion"
	"github.com/lumenfleet/fota-agent/internal/health"
	"github.com/lumenfleet/fota-agent/internal/heartbeat"
	"github.com/lumenfleet/fota-agent/internal/httputil"
	"github.com/lumenfleet/fota-agent/internal/logging"
	"github.com/lumenfleet/fota-agent/internal/pipeline"
	"github.com/lumenfleet/fota-agent/internal/signature"
	"github.com/lumenfleet/fota-agent/internal/source"
	"github.com/lumenfleet/fota-agent/internal/transfer"
)

// deps is the fully wired agent built from a validated config.
type deps struct {
	cfg      *config.Config
	current  fwversion.Version
	pipeline *pipeline.Pipeline
	beat     *heartbeat.Reporter
}

func (d *deps) schedule() agent.Config {
	return agent.Config{
		CheckInterval:     time.Duration(d.cfg.CheckIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(d.cfg.HeartbeatIntervalSeconds) * time.Second,
	}
}

// mustSetup loads and validates the config, then wires every component.
// Configuration errors are fatal; a misconfigured updater must not run.
func mustSetup() *deps {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Invalid configuration:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(1)
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log := logging.L("setup")

	pem, err := cfg.PublicKey()
	if err != nil {
		log.Error("failed to read public key", logging.KeyError, err)
		os.Exit(1)
	}
	gate, err := signature.NewGate(pem)
	if err != nil {
		log.Error("invalid public key", logging.KeyError, err)
		os.Exit(1)
	}

	store, err := flash.NewStore(cfg.StagingDir)
	if err != nil {
		log.Error("failed to open firmware store", "dir", cfg.StagingDir, logging.KeyError, err)
		os.Exit(1)
	}

	current := currentVersion(cfg, store)
	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	retry := httputil.DefaultRetryConfig()

	// Metadata calls get a hard client timeout. The firmware stream must
	// not: large images can legitimately take longer than any fixed bound,
	// so it is watched for stalls instead.
	metaClient := &http.Client{Timeout: requestTimeout}
	streamClient := &http.Client{}

	var src source.Source
	switch cfg.SourceKind {
	case config.SourceRelease:
		src, err = source.NewReleaseSource(cfg.ReleaseURL, cfg.FirmwareAsset, cfg.SignatureAsset, metaClient, retry)
	default:
		src, err = source.NewManifestSource(cfg.ManifestURL, metaClient, retry)
	}
	if err != nil {
		log.Error("failed to build update source", logging.KeyError, err)
		os.Exit(1)
	}

	verifier := transfer.New(transfer.Config{
		ChunkSize:    cfg.ChunkSizeBytes,
		StallTimeout: time.Duration(cfg.StallTimeoutSeconds) * time.Second,
	})

	mon := health.NewMonitor()
	pipe := pipeline.New(pipeline.Params{
		Source:         src,
		Verifier:       verifier,
		Gate:           gate,
		Sink:           store,
		Current:        current,
		Client:         streamClient,
		RequestTimeout: requestTimeout,
		Retry:          retry,
		Health:         mon,
	})

	return &deps{
		cfg:      cfg,
		current:  current,
		pipeline: pipe,
		beat:     heartbeat.New(current.String(), mon),
	}
}

// currentVersion prefers the version recorded alongside the active image;
// it survives config drift after an applied update. The configured version
// is the fallback for first boot.
func currentVersion(cfg *config.Config, store *flash.Store) fwversion.Version {
	if recorded, ok := store.ActiveVersion(); ok {
		if v, err := fwversion.Parse(recorded); err == nil {
			return v
		}
	}
	return fwversion.MustParse(cfg.CurrentVersion)
}

// reportedVersion is the store-less variant used by status output. It
// never parses, since the config may not have been validated yet.
func reportedVersion(cfg *config.Config) string {
	if store, err := flash.NewStore(cfg.StagingDir); err == nil {
		if recorded, ok := store.ActiveVersion(); ok {
			return recorded
		}
	}
	return cfg.CurrentVersion
}
