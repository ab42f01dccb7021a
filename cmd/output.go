package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
)

// writeOutput renders v in the requested format. text falls back to the
// given renderer.
func writeOutput(w io.Writer, format config.OutputFormat, v any, text func(io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return text(w)
	}
}

// printTranscript writes a human-readable canonical transcript.
func printTranscript(w io.Writer, record *meeting.CanonicalTranscript) error {
	date := "(unknown)"
	if !record.Date.IsZero() {
		date = record.Date.Format("2006-01-02 15:04 MST")
	}

	fmt.Fprintf(w, "Meeting:    %s\n", record.Title)
	fmt.Fprintf(w, "ID:         %s\n", record.MeetingID)
	fmt.Fprintf(w, "Type:       %s\n", record.Type)
	fmt.Fprintf(w, "Date:       %s\n", date)
	fmt.Fprintf(w, "Duration:   %d min\n", record.DurationMinutes)
	fmt.Fprintf(w, "Attendees:  %d\n", len(record.Attendees))
	for _, a := range record.Attendees {
		fmt.Fprintf(w, "  - %s <%s>\n", a.Name, a.Email)
	}
	fmt.Fprintf(w, "\nTranscript (%d entries):\n", len(record.Transcript))
	return printEntries(w, record.Transcript)
}

// printEntries writes one line per cue.
func printEntries(w io.Writer, entries []meeting.TranscriptEntry) error {
	for _, e := range entries {
		text := strings.ReplaceAll(e.Text, "\n", " ")
		if _, err := fmt.Fprintf(w, "  [%s] %s: %s\n", e.Timestamp, e.Speaker, text); err != nil {
			return err
		}
	}
	return nil
}
