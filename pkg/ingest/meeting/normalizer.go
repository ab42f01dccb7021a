package meeting

import (
	"math"
	"strings"
	"time"
)

// ClassifyMeeting derives the meeting type from its title. Rules are checked
// in order and the first match wins, so "Daily Tech Refinement" is daily.
func ClassifyMeeting(title string) MeetingType {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "daily") || strings.Contains(t, "standup"):
		return MeetingTypeDaily
	case strings.Contains(t, "tech") && strings.Contains(t, "refinement"):
		return MeetingTypeTechRefinement
	case strings.Contains(t, "product") && strings.Contains(t, "refinement"):
		return MeetingTypeProductRefinement
	default:
		return MeetingTypeOther
	}
}

// DurationMinutes returns the meeting length rounded to whole minutes.
// A missing timestamp or an end before the start yields 0.
func DurationMinutes(start, end time.Time) int {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	ms := float64(end.Sub(start).Milliseconds())
	return int(math.Round(ms / 60000))
}

// NormalizeAttendees drops records without an email address object and fills
// in fallbacks so neither name nor email is ever empty.
func NormalizeAttendees(raw []RawAttendee) []Attendee {
	attendees := make([]Attendee, 0, len(raw))
	for _, a := range raw {
		if a.EmailAddress == nil {
			continue
		}

		name := strings.TrimSpace(a.EmailAddress.Name)
		address := strings.TrimSpace(a.EmailAddress.Address)

		if name == "" {
			name = address
		}
		if name == "" {
			name = UnknownName
		}
		if address == "" {
			address = UnknownEmail
		}

		attendees = append(attendees, Attendee{Name: name, Email: address})
	}
	return attendees
}

// Normalize builds the canonical record from remote meeting metadata and the
// parsed caption entries. A nil meeting is treated as one with every field
// absent. Entries keep their order.
func Normalize(raw *RawMeeting, entries []TranscriptEntry) *CanonicalTranscript {
	if raw == nil {
		raw = &RawMeeting{}
	}

	title := strings.TrimSpace(raw.Subject)
	if title == "" {
		title = UntitledTitle
	}

	start := timeOf(raw.StartDateTime)
	end := timeOf(raw.EndDateTime)

	date := start
	if date.IsZero() {
		date = end
	}

	transcript := make([]TranscriptEntry, len(entries))
	copy(transcript, entries)

	return &CanonicalTranscript{
		MeetingID:       raw.ID,
		Title:           title,
		Type:            ClassifyMeeting(title),
		Date:            date,
		DurationMinutes: DurationMinutes(start, end),
		Attendees:       NormalizeAttendees(raw.Attendees),
		Transcript:      transcript,
	}
}
