package meeting

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
)

// maxCueLineSize bounds a single caption line. Longer lines make the track
// unreadable and fail the parse.
const maxCueLineSize = 1024 * 1024

// WebVTT parsing regular expressions
var (
	// Matches cue timing line: 00:00:05.000 --> 00:00:10.000 (cue settings may follow)
	vttTimingRegex = regexp.MustCompile(`^(\d+:\d+(?::\d+)?\.\d+)\s+-->\s+(\d+:\d+(?::\d+)?\.\d+)`)

	// Matches voice span payload: <v John Smith>Good morning.</v>
	vttVoiceRegex = regexp.MustCompile(`^<v(?:\.[^\s>]*)?\s+([^>]*)>(.*)</v>$`)
)

// ParseCaptions parses a caption track supplied in whatever shape the
// transport produced. Strings, byte slices, readers and Stringers are read as
// text; nil is an empty track; any other value is serialized to JSON and the
// JSON text is parsed.
func ParseCaptions(raw any) ([]TranscriptEntry, error) {
	switch v := raw.(type) {
	case nil:
		return ParseVTT(strings.NewReader(""))
	case string:
		return ParseVTT(strings.NewReader(v))
	case []byte:
		return ParseVTT(bytes.NewReader(v))
	case io.Reader:
		return ParseVTT(v)
	case error:
		return ParseVTT(strings.NewReader(v.Error()))
	case fmt.Stringer:
		return ParseVTT(strings.NewReader(v.String()))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot serialize %T: %v", pferrors.ErrMalformedTranscript, raw, err)
		}
		return ParseVTT(bytes.NewReader(data))
	}
}

// ParseVTT parses a WebVTT caption track into entries in source order.
//
// A timing line starts a cue and the next non-blank line is its payload. A
// payload wrapped in a voice span yields the tagged speaker; any other payload
// is kept as-is under the Unknown speaker. Unrecognized lines are skipped.
// The only failure is a track that cannot be read.
func ParseVTT(r io.Reader) ([]TranscriptEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCueLineSize)

	entries := make([]TranscriptEntry, 0)

	// pending holds the start timestamp of a cue still waiting for its payload.
	var pending *string
	first := true

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if first {
			first = false
			if strings.HasPrefix(line, "WEBVTT") {
				continue
			}
		}

		timing := vttTimingRegex.FindStringSubmatch(line)

		if pending != nil {
			if timing != nil {
				// Cue with no payload line before the next cue.
				entries = append(entries, TranscriptEntry{Timestamp: *pending, Speaker: UnknownSpeaker})
				start := timing[1]
				pending = &start
				continue
			}
			entries = append(entries, parsePayload(*pending, line))
			pending = nil
			continue
		}

		if timing != nil {
			start := timing[1]
			pending = &start
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", pferrors.ErrMalformedTranscript, err)
	}

	if pending != nil {
		entries = append(entries, TranscriptEntry{Timestamp: *pending, Speaker: UnknownSpeaker})
	}

	return entries, nil
}

// parsePayload builds the entry for one cue payload line.
func parsePayload(timestamp, payload string) TranscriptEntry {
	matches := vttVoiceRegex.FindStringSubmatch(payload)
	if matches == nil {
		return TranscriptEntry{Timestamp: timestamp, Speaker: UnknownSpeaker, Text: payload}
	}

	speaker := strings.TrimSpace(matches[1])
	if speaker == "" {
		speaker = UnknownSpeaker
	}
	return TranscriptEntry{
		Timestamp: timestamp,
		Speaker:   speaker,
		Text:      strings.TrimSpace(matches[2]),
	}
}

// FormatVTT renders entries back into a WebVTT track. Each cue uses the entry
// timestamp for both ends and wraps the text in a voice span, so ParseVTT on
// the output returns the same entries.
func FormatVTT(entries []TranscriptEntry) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, e := range entries {
		speaker := e.Speaker
		if speaker == "" {
			speaker = UnknownSpeaker
		}
		fmt.Fprintf(&b, "%s --> %s\n<v %s>%s</v>\n\n", e.Timestamp, e.Timestamp, speaker, e.Text)
	}
	return b.String()
}

// TimestampSeconds converts an HH:MM:SS.mmm or MM:SS.mmm cue timestamp to seconds.
func TimestampSeconds(ts string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(ts), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: invalid cue timestamp %q", pferrors.ErrValidation, ts)
	}

	seconds, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("%w: invalid cue timestamp %q", pferrors.ErrValidation, ts)
	}

	total := seconds
	multiplier := 60.0
	for i := len(parts) - 2; i >= 0; i-- {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: invalid cue timestamp %q", pferrors.ErrValidation, ts)
		}
		total += float64(n) * multiplier
		multiplier *= 60
	}

	return total, nil
}
