// Package meeting parses caption-track transcripts and normalizes remote
// meeting metadata into the canonical transcript record.
package meeting

import (
	"encoding/json"
	"strings"
	"time"
)

// MeetingType classifies a meeting by its title.
type MeetingType string

const (
	MeetingTypeDaily             MeetingType = "daily"
	MeetingTypeTechRefinement    MeetingType = "tech-refinement"
	MeetingTypeProductRefinement MeetingType = "product-refinement"
	MeetingTypeOther             MeetingType = "other"
)

// Fallback values used when the remote record is incomplete.
const (
	UnknownSpeaker = "Unknown"
	UnknownName    = "Unknown"
	UnknownEmail   = "unknown@unknown.com"
	UntitledTitle  = "Untitled"
)

// TranscriptEntry is a single cue of a parsed caption track.
type TranscriptEntry struct {
	// Timestamp is the cue start time exactly as written in the source,
	// HH:MM:SS.mmm or MM:SS.mmm. Use TimestampSeconds for a numeric value.
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Speaker   string `json:"speaker" yaml:"speaker"`
	Text      string `json:"text" yaml:"text"`
}

// Attendee is a normalized meeting participant.
type Attendee struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

// CanonicalTranscript is the normalized output record of the pipeline.
type CanonicalTranscript struct {
	MeetingID       string            `json:"meetingId" yaml:"meeting_id"`
	Title           string            `json:"title" yaml:"title"`
	Type            MeetingType       `json:"type" yaml:"type"`
	Date            time.Time         `json:"date" yaml:"date"`
	DurationMinutes int               `json:"durationMinutes" yaml:"duration_minutes"`
	Attendees       []Attendee        `json:"attendees" yaml:"attendees"`
	Transcript      []TranscriptEntry `json:"transcript" yaml:"transcript"`
}

// RawMeeting is the remote platform's online meeting resource. Every field
// may be absent.
type RawMeeting struct {
	ID            string        `json:"id"`
	Subject       string        `json:"subject"`
	StartDateTime *GraphTime    `json:"startDateTime,omitempty"`
	EndDateTime   *GraphTime    `json:"endDateTime,omitempty"`
	Attendees     []RawAttendee `json:"attendees,omitempty"`
}

// RawAttendee is a participant record. EmailAddress is nil when the remote
// record has no emailAddress object.
type RawAttendee struct {
	EmailAddress *EmailAddress `json:"emailAddress,omitempty"`
}

// EmailAddress is the remote platform's name/address pair.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// TranscriptMetadata describes one transcript artifact of a meeting.
type TranscriptMetadata struct {
	ID              string     `json:"id"`
	CreatedDateTime *GraphTime `json:"createdDateTime,omitempty"`
}

// graphTimeLayouts are tried in order. The remote platform emits up to seven
// fractional digits, with or without a zone designator.
var graphTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// GraphTime decodes remote timestamps leniently. A value that cannot be
// parsed decodes as the zero time rather than failing the whole document.
type GraphTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *GraphTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		t.Time = time.Time{}
		return nil
	}
	t.Time = ParseGraphTime(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t GraphTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseGraphTime parses a remote timestamp, returning the zero time when the
// value is empty or unparseable. Values without a zone are taken as UTC.
func ParseGraphTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range graphTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// timeOf returns the wrapped time, or the zero time for a nil pointer.
func timeOf(t *GraphTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time
}
