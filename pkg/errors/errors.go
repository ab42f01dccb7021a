// Package errors provides the domain error types for the transcript pipeline.
//
// Sentinel errors describe conditions ("not found", "validation") that callers
// check with errors.Is. Transcript acquisition failures are additionally
// classified into a PipelineError carrying an ErrorCode and the discovery
// stage that produced it.
//
// Usage:
//
//	import pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
//
//	if pferrors.IsNotFound(err) {
//	    // handle not found case
//	}
package errors

import (
	"errors"
	"fmt"
)

// Domain errors - common sentinel errors for domain conditions.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates the request lacks valid authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the authenticated caller lacks permission.
	ErrForbidden = errors.New("forbidden")
)

// Transcript pipeline errors.
var (
	// ErrMeetingNotFound is returned when the remote platform has no meeting
	// for the requested identity. It matches ErrNotFound.
	ErrMeetingNotFound = fmt.Errorf("meeting %w", ErrNotFound)

	// ErrTranscriptNotAvailable is returned when polling exhausted every
	// attempt without the meeting producing a transcript.
	ErrTranscriptNotAvailable = errors.New("transcript not available")

	// ErrMalformedTranscript is returned when caption-track text cannot be
	// iterated at all. Malformed individual cues never produce it.
	ErrMalformedTranscript = errors.New("malformed transcript")
)

// TranscriptNotAvailableHint lists the known reasons a meeting has no transcript.
const TranscriptNotAvailableHint = "no transcript found for this meeting; possible causes: " +
	"(1) transcription was not enabled during the meeting, " +
	"(2) the transcript is still being processed, " +
	"(3) the application lacks permission to read transcripts for this meeting"

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized reports whether any error in err's chain is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsForbidden reports whether any error in err's chain is ErrForbidden.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsNotAvailable reports whether any error in err's chain is ErrTranscriptNotAvailable.
func IsNotAvailable(err error) bool {
	return errors.Is(err, ErrTranscriptNotAvailable)
}

// IsMalformed reports whether any error in err's chain is ErrMalformedTranscript.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedTranscript)
}
