package errors

import "net/http"

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code        ErrorCode
	HTTPStatus  int
	Description string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	CodeNotFound: {
		Code:        CodeNotFound,
		HTTPStatus:  http.StatusNotFound,
		Description: "Meeting not found",
	},
	CodeNotAvailable: {
		Code:        CodeNotAvailable,
		HTTPStatus:  http.StatusNotFound,
		Description: TranscriptNotAvailableHint,
	},
	CodeMalformedInput: {
		Code:        CodeMalformedInput,
		HTTPStatus:  http.StatusBadGateway,
		Description: "Transcript content could not be read as caption-track text",
	},
	CodeValidation: {
		Code:        CodeValidation,
		HTTPStatus:  http.StatusBadRequest,
		Description: "Invalid request",
	},
	CodeUnauthorized: {
		Code:        CodeUnauthorized,
		HTTPStatus:  http.StatusUnauthorized,
		Description: "Authentication with the conferencing platform failed",
	},
	CodeForbidden: {
		Code:        CodeForbidden,
		HTTPStatus:  http.StatusForbidden,
		Description: "Access to the meeting or transcript was denied",
	},
	CodeTimeout: {
		Code:        CodeTimeout,
		HTTPStatus:  http.StatusGatewayTimeout,
		Description: "Operation exceeded time limit",
	},
	CodeCancelled: {
		Code:        CodeCancelled,
		HTTPStatus:  499,
		Description: "Operation cancelled by caller",
	},
	CodeTransport: {
		Code:        CodeTransport,
		HTTPStatus:  http.StatusBadGateway,
		Description: "Request to the conferencing platform failed",
	},
}

// HTTPStatus returns the HTTP status used to report the given code.
func HTTPStatus(code ErrorCode) int {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
