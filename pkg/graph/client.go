// Package graph is a minimal client for the remote meeting platform's online
// meeting and transcript resources.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Stream delivery modes for bodies of unknown length.
const (
	StreamPull = "pull"
	StreamPush = "push"
)

// maxPages bounds how many transcript list pages are followed.
const maxPages = 20

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// StreamDelivery selects StreamContent ("pull") or ChunkedContent
	// ("push") for bodies without a known length.
	StreamDelivery string
	ChunkSize      int
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns the production client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Timeout:        30 * time.Second,
		StreamDelivery: StreamPull,
		ChunkSize:      32 * 1024,
	}
}

// Client calls the remote platform on behalf of a Scope. It holds no
// credentials itself; each call carries the scope's token.
type Client struct {
	http           *http.Client
	baseURL        string
	streamDelivery string
	chunkSize      int
	logger         logging.Logger
}

// NewClient creates a Client. Zero config values take their defaults.
func NewClient(cfg Config, logger logging.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.StreamDelivery == "" {
		cfg.StreamDelivery = def.StreamDelivery
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		http:           httpClient,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		streamDelivery: cfg.StreamDelivery,
		chunkSize:      cfg.ChunkSize,
		logger:         logger.With(logging.F("component", "graph")),
	}
}

// Scope addresses resources either of an explicit owner (application
// permissions) or of the signed-in user (delegated permissions).
type Scope struct {
	ownerID string
	token   string
}

// AppScope addresses the meetings of ownerID with an application token.
func AppScope(ownerID, token string) Scope {
	return Scope{ownerID: ownerID, token: token}
}

// DelegatedScope addresses the token owner's own meetings.
func DelegatedScope(token string) Scope {
	return Scope{token: token}
}

// Delegated reports whether the scope uses the /me path.
func (s Scope) Delegated() bool {
	return s.ownerID == ""
}

// OwnerID returns the resource owner for application scopes.
func (s Scope) OwnerID() string {
	return s.ownerID
}

func (s Scope) prefix() string {
	if s.Delegated() {
		return "/me"
	}
	return "/users/" + url.PathEscape(s.ownerID)
}

// MeetingPath returns the scoped path of a meeting resource.
func (s Scope) MeetingPath(meetingID string) string {
	return s.prefix() + "/onlineMeetings/" + url.PathEscape(meetingID)
}

// APIError is a non-2xx response from the remote platform.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph api: %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status to the matching domain sentinel.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return pferrors.ErrNotFound
	case http.StatusUnauthorized:
		return pferrors.ErrUnauthorized
	case http.StatusForbidden:
		return pferrors.ErrForbidden
	default:
		return nil
	}
}

// GetMeeting fetches a meeting's metadata.
func (c *Client) GetMeeting(ctx context.Context, scope Scope, meetingID string) (*meeting.RawMeeting, error) {
	resp, err := c.get(ctx, scope, c.baseURL+scope.MeetingPath(meetingID), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out meeting.RawMeeting
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode meeting: %w", err)
	}
	return &out, nil
}

// ListTranscripts lists a meeting's transcripts in the order the platform
// returns them, following pagination links.
func (c *Client) ListTranscripts(ctx context.Context, scope Scope, meetingID string) ([]meeting.TranscriptMetadata, error) {
	next := c.baseURL + scope.MeetingPath(meetingID) + "/transcripts"
	transcripts := make([]meeting.TranscriptMetadata, 0)

	for page := 0; next != "" && page < maxPages; page++ {
		resp, err := c.get(ctx, scope, next, "application/json")
		if err != nil {
			return nil, err
		}

		var body struct {
			Value    []meeting.TranscriptMetadata `json:"value"`
			NextLink string                       `json:"@odata.nextLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode transcript list: %w", err)
		}

		transcripts = append(transcripts, body.Value...)
		next = body.NextLink
	}

	return transcripts, nil
}

// GetTranscriptContent fetches a transcript body in caption-track format.
// Callers must consume or close stream variants.
func (c *Client) GetTranscriptContent(ctx context.Context, scope Scope, meetingID, transcriptID string) (Content, error) {
	endpoint := c.baseURL + scope.MeetingPath(meetingID) + "/transcripts/" +
		url.PathEscape(transcriptID) + "/content?$format=text/vtt"

	resp, err := c.get(ctx, scope, endpoint, "text/vtt")
	if err != nil {
		return nil, err
	}

	mediaType, charset := parseContentType(resp.Header.Get("Content-Type"))

	if resp.ContentLength < 0 {
		if c.streamDelivery == StreamPush {
			pushCtx, stop := context.WithCancel(ctx)
			return ChunkedContent{
				Chunks:  pushChunks(pushCtx, resp.Body, c.chunkSize),
				Charset: charset,
				Stop:    stop,
			}, nil
		}
		return StreamContent{Body: resp.Body, Charset: charset}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read transcript content: %w", err)
	}

	if strings.HasPrefix(mediaType, "text/") && isUTF8(charset) {
		return TextContent{Text: string(data)}, nil
	}
	return BytesContent{Data: data, Charset: charset}, nil
}

// get performs an authenticated GET and returns the response for any 2xx
// status. Other statuses are returned as *APIError.
func (c *Client) get(ctx context.Context, scope Scope, endpoint, accept string) (*http.Response, error) {
	if scope.token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", pferrors.ErrUnauthorized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+scope.token)
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request: %w", err)
	}

	c.logger.Debug("graph request",
		logging.F("path", req.URL.Path),
		logging.F("status", resp.StatusCode),
		logging.F("duration", time.Since(start)),
		logging.F("delegated", scope.Delegated()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		if body.Error.Message != "" {
			apiErr.Message = body.Error.Message
		}
	} else if msg := strings.TrimSpace(string(data)); msg != "" {
		apiErr.Message = msg
	}
	return apiErr
}

func parseContentType(header string) (mediaType, charset string) {
	if header == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0])), ""
	}
	return mt, params["charset"]
}

func isUTF8(charset string) bool {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return true
	default:
		return false
	}
}
