// Package main provides the penf-transcripts entry point.
// penf-transcripts receives meeting change notifications, acquires meeting
// transcripts from the conferencing platform and normalizes them.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-transcripts/cmd"
	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
)

// Global flags and state.
var (
	cfgFile      string
	listenAddr   string
	outputFormat string
	debug        bool

	// cfg holds the loaded configuration.
	cfg *config.ServiceConfig
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "penf-transcripts",
	Short: "Meeting transcript acquisition service",
	Long: `penf-transcripts acquires meeting transcripts from the conferencing platform
and turns them into normalized records.

It runs as a service that receives change notifications ('serve'), and can
acquire or parse transcripts on demand ('fetch', 'parse').

COMMON WORKFLOWS:
  Run the service:     penf-transcripts serve
  Store credentials:   penf-transcripts auth login [--client-secret]
  Fetch a transcript:  penf-transcripts fetch <meetingID> --owner <userID>
  Parse a local track: penf-transcripts parse ./meeting.vtt --output json

Configuration is read from $PENF_CONFIG_DIR/transcripts.yaml (default
~/.penf/transcripts.yaml), then PENF_* environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		if cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		_, err := loadConfig()
		return err
	},
}

// loadConfig loads configuration once and applies command-line overrides.
func loadConfig() (*config.ServiceConfig, error) {
	if cfg != nil {
		return cfg, nil
	}

	loaded, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	// Override with command-line flags.
	if listenAddr != "" {
		loaded.Server.Address = listenAddr
	}
	if outputFormat != "" {
		format := config.OutputFormat(outputFormat)
		if !format.IsValid() {
			return nil, fmt.Errorf("invalid --output %q: must be text, json or yaml", outputFormat)
		}
		loaded.OutputFormat = format
	}
	if debug {
		loaded.Logging.Level = logging.LevelDebug
	}

	cfg = loaded
	return cfg, nil
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of penf-transcripts.

Examples:
  penf-transcripts version
  penf-transcripts version --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildinfo.Get()
		out := cmd.OutOrStdout()

		switch config.OutputFormat(outputFormat) {
		case config.OutputFormatJSON:
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		case config.OutputFormatYAML:
			return yaml.NewEncoder(out).Encode(info)
		}

		fmt.Fprintf(out, "penf-transcripts version %s\n", info.Version)
		fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
		fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
		fmt.Fprintf(out, "  go:         %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.penf/transcripts.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	serveCmd := cmd.NewServeCommand(cmd.DefaultServeDeps(loadConfig))
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides server.address)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cmd.NewFetchCommand(cmd.DefaultFetchDeps(loadConfig)))
	rootCmd.AddCommand(cmd.NewParseCommand(&cmd.ParseCommandDeps{LoadConfig: loadConfig}))
	rootCmd.AddCommand(cmd.NewAuthCommand(nil))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
