package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lumenfleet/fota-agent/internal/agent"
	"github.com/lumenfleet/fota-agent/internal/config"
	"github.com/lumenfleet/fota-agent/internal/logging"
	"github.com/lumenfleet/fota-agent/internal/pipeline"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "fota-agent",
	Short: "Lumenfleet FOTA Agent",
	Long:  `Lumenfleet Agent - secure over-the-air firmware updates for fleet devices`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single update cycle and exit",
	Long: `Runs one check-download-verify-commit cycle. The exit code is 0 when no
update is available or an update was applied, 1 on any failure. The device
is not restarted; reboot separately after an applied update.`,
	Run: func(cmd *cobra.Command, args []string) {
		checkOnce()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Lumenfleet FOTA Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured update source and active firmware",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/lumenfleet/agent.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent() {
	deps := mustSetup()
	log := logging.L("main")
	log.Info("starting agent", "agentVersion", version,
		"firmware", deps.current.String(), "source", deps.cfg.SourceURL())

	a := agent.New(deps.schedule(), deps.pipeline, deps.beat, agent.SystemRebooter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		a.Stop()
	}()

	a.Run(ctx)
}

func checkOnce() {
	deps := mustSetup()
	out := deps.pipeline.RunOnce(context.Background())

	switch out.Status {
	case pipeline.StatusNoUpdate:
		fmt.Printf("No update available (current %s, candidate %s)\n", deps.current, out.Candidate)
	case pipeline.StatusApplied:
		fmt.Printf("Update applied: %s -> %s. Reboot to run the new firmware.\n", deps.current, out.Candidate)
	case pipeline.StatusFailed:
		fmt.Fprintf(os.Stderr, "Update failed: %s: %v\n", out.Kind, out.Err)
		os.Exit(1)
	}
}

func showStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: Not configured")
		return
	}

	fmt.Printf("Source:   %s (%s)\n", cfg.SourceURL(), cfg.SourceKind)
	fmt.Printf("Firmware: %s\n", reportedVersion(cfg))
	fmt.Printf("Staging:  %s\n", cfg.StagingDir)
}
