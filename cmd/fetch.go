package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/pkg/discovery"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
)

// FetchCommandDeps holds the dependencies of the fetch command.
type FetchCommandDeps struct {
	LoadConfig func() (*config.ServiceConfig, error)
	OpenStore  func() (SecretStore, error)
	// NewFetcher builds the acquisition service. Defaults to the real
	// discovery service.
	NewFetcher func(cfg *config.ServiceConfig, store SecretStore) (Fetcher, error)
}

// DefaultFetchDeps returns the production dependencies.
func DefaultFetchDeps(loadConfig func() (*config.ServiceConfig, error)) *FetchCommandDeps {
	return &FetchCommandDeps{
		LoadConfig: loadConfig,
		OpenStore:  openStore,
		NewFetcher: func(cfg *config.ServiceConfig, store SecretStore) (Fetcher, error) {
			return newDiscovery(cfg, store, nil, newLogger(cfg, os.Stderr))
		},
	}
}

// NewFetchCommand creates the 'fetch' command.
func NewFetchCommand(deps *FetchCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultFetchDeps(func() (*config.ServiceConfig, error) { return config.LoadConfig("") })
	}

	var (
		owner string
		me    bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <meetingID>",
		Short: "Acquire and normalize a meeting transcript",
		Long: `Acquire a meeting's transcript from the conferencing platform and print the
normalized record.

Authorization modes:
  --owner ID   Application mode: read the meeting of user ID with the
               service's own credentials (requires auth.tenant_id,
               auth.client_id and a stored client secret).
  --me         Delegated mode: read one of your own meetings with the stored
               delegated token (or PENF_GRAPH_TOKEN).

The command polls for the transcript (discovery.max_attempts times,
discovery.poll_interval apart) when the meeting has not produced one yet.

Examples:
  penf-transcripts fetch MSo1N2Y5 --owner 8b081ef6-4792-4def-b2c9-c363a1bf41d5
  penf-transcripts fetch MSo1N2Y5 --me --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, deps, args[0], owner, me)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Resource owner ID (application mode)")
	cmd.Flags().BoolVar(&me, "me", false, "Use the stored delegated token (delegated mode)")
	cmd.MarkFlagsMutuallyExclusive("owner", "me")
	cmd.MarkFlagsOneRequired("owner", "me")

	return cmd
}

func runFetch(cmd *cobra.Command, deps *FetchCommandDeps, meetingID, owner string, me bool) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	store, err := deps.OpenStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	authz := discovery.Application(owner)
	if me {
		token, err := store.DelegatedToken()
		if err != nil {
			return fmt.Errorf("reading delegated token: %w", err)
		}
		authz = discovery.Delegated(token)
	}

	fetcher, err := deps.NewFetcher(cfg, store)
	if err != nil {
		return err
	}

	record, report, err := fetcher.FetchWithReport(cmd.Context(), meetingID, authz)
	if err != nil {
		if errors.Is(err, pferrors.ErrTranscriptNotAvailable) {
			return fmt.Errorf("%w\n%s (after %d poll attempts)", err, pferrors.TranscriptNotAvailableHint, report.PollAttempts)
		}
		return err
	}

	return writeOutput(cmd.OutOrStdout(), cfg.OutputFormat, record, func(w io.Writer) error {
		return printTranscript(w, record)
	})
}
