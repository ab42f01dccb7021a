package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
)

// ParseCommandDeps holds the dependencies of the parse command.
type ParseCommandDeps struct {
	LoadConfig func() (*config.ServiceConfig, error)
}

// NewParseCommand creates the 'parse' command.
func NewParseCommand(deps *ParseCommandDeps) *cobra.Command {
	if deps == nil {
		deps = &ParseCommandDeps{LoadConfig: func() (*config.ServiceConfig, error) { return config.LoadConfig("") }}
	}

	var (
		title string
		start string
		end   string
	)

	cmd := &cobra.Command{
		Use:   "parse <file.vtt>",
		Short: "Parse a local WebVTT caption track",
		Long: `Parse a WebVTT caption track into transcript entries.

Cues without a voice tag are attributed to "Unknown". Cues with a malformed
timing line are skipped. Use "-" to read from standard input.

With --title the entries are wrapped in a normalized meeting record; --start
and --end (RFC 3339) supply the meeting date and duration.

Examples:
  penf-transcripts parse ./meeting.vtt
  penf-transcripts parse ./meeting.vtt --output json
  penf-transcripts parse ./meeting.vtt --title "Daily Standup" --start 2024-03-04T09:00:00Z --end 2024-03-04T09:15:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, deps, args[0], title, start, end)
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Meeting title; emits a normalized record")
	cmd.Flags().StringVar(&start, "start", "", "Meeting start time (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "Meeting end time (RFC 3339)")

	return cmd
}

func runParse(cmd *cobra.Command, deps *ParseCommandDeps, path, title, start, end string) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening caption track: %w", err)
		}
		defer f.Close()
		r = f
	}

	entries, err := meeting.ParseVTT(r)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if title == "" && start == "" && end == "" {
		return writeOutput(out, cfg.OutputFormat, entries, func(w io.Writer) error {
			fmt.Fprintf(w, "%d entries\n", len(entries))
			return printEntries(w, entries)
		})
	}

	raw := &meeting.RawMeeting{Subject: title}
	if raw.StartDateTime, err = parseFlagTime("start", start); err != nil {
		return err
	}
	if raw.EndDateTime, err = parseFlagTime("end", end); err != nil {
		return err
	}

	record := meeting.Normalize(raw, entries)
	return writeOutput(out, cfg.OutputFormat, record, func(w io.Writer) error {
		return printTranscript(w, record)
	})
}

func parseFlagTime(name, value string) (*meeting.GraphTime, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &meeting.GraphTime{Time: t}, nil
}
