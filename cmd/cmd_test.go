package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/credentials"
	"github.com/otherjamesbrown/penf-transcripts/pkg/discovery"
	pferrors "github.com/otherjamesbrown/penf-transcripts/pkg/errors"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
)

// testEncryptionKey is a valid 32-byte (64 hex chars) encryption key for testing.
const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

const sampleVTT = `WEBVTT

00:00:01.000 --> 00:00:04.000
<v Ana Silva>Good morning everyone</v>

00:00:05.500 --> 00:00:07.000
<v Ben Okafor>Morning!</v>

00:00:08.000 --> 00:00:09.000
No voice tag here
`

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchWithReport(ctx context.Context, meetingID string, authz discovery.Authorization) (*meeting.CanonicalTranscript, discovery.Report, error) {
	args := m.Called(ctx, meetingID, authz)
	var record *meeting.CanonicalTranscript
	if v := args.Get(0); v != nil {
		record = v.(*meeting.CanonicalTranscript)
	}
	return record, args.Get(1).(discovery.Report), args.Error(2)
}

type stubStore struct {
	token    string
	tokenErr error
	secret   string
}

func (s stubStore) DelegatedToken() (string, error) { return s.token, s.tokenErr }
func (s stubStore) ClientSecret() (string, error)   { return s.secret, nil }

func configWithOutput(format config.OutputFormat) func() (*config.ServiceConfig, error) {
	return func() (*config.ServiceConfig, error) {
		cfg := config.DefaultConfig()
		cfg.OutputFormat = format
		return cfg, nil
	}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sampleRecord() *meeting.CanonicalTranscript {
	return &meeting.CanonicalTranscript{
		MeetingID:       "m1",
		Title:           "Tech Refinement",
		Type:            meeting.MeetingTypeTechRefinement,
		Date:            time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 45,
		Attendees:       []meeting.Attendee{{Name: "Ana Silva", Email: "ana@example.com"}},
		Transcript:      []meeting.TranscriptEntry{{Timestamp: "00:00:01.000", Speaker: "Ana Silva", Text: "Let's start"}},
	}
}

func fetchCommand(fetcher *MockFetcher, store SecretStore, format config.OutputFormat) *cobra.Command {
	return NewFetchCommand(&FetchCommandDeps{
		LoadConfig: configWithOutput(format),
		OpenStore:  func() (SecretStore, error) { return store, nil },
		NewFetcher: func(*config.ServiceConfig, SecretStore) (Fetcher, error) { return fetcher, nil },
	})
}

func TestFetch_ApplicationModeText(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "m1", discovery.Application("owner-1")).
		Return(sampleRecord(), discovery.Report{}, nil)

	out, err := execute(t, fetchCommand(fetcher, stubStore{}, config.OutputFormatText), "m1", "--owner", "owner-1")
	require.NoError(t, err)

	assert.Contains(t, out, "Meeting:    Tech Refinement")
	assert.Contains(t, out, "Type:       tech-refinement")
	assert.Contains(t, out, "Duration:   45 min")
	assert.Contains(t, out, "Ana Silva <ana@example.com>")
	assert.Contains(t, out, "[00:00:01.000] Ana Silva: Let's start")
	fetcher.AssertExpectations(t)
}

func TestFetch_DelegatedModeJSON(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "m1", discovery.Delegated("stored-token")).
		Return(sampleRecord(), discovery.Report{}, nil)

	out, err := execute(t, fetchCommand(fetcher, stubStore{token: "stored-token"}, config.OutputFormatJSON), "m1", "--me")
	require.NoError(t, err)

	var got meeting.CanonicalTranscript
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "m1", got.MeetingID)
	assert.Equal(t, 45, got.DurationMinutes)
	fetcher.AssertExpectations(t)
}

func TestFetch_YAML(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "m1", mock.Anything).Return(sampleRecord(), discovery.Report{}, nil)

	out, err := execute(t, fetchCommand(fetcher, stubStore{}, config.OutputFormatYAML), "m1", "--owner", "o")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Tech Refinement", got["title"])
	assert.Equal(t, 45, got["duration_minutes"])
}

func TestFetch_FlagValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no mode", []string{"m1"}},
		{"both modes", []string{"m1", "--owner", "o", "--me"}},
		{"no meeting", []string{"--owner", "o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &MockFetcher{}
			_, err := execute(t, fetchCommand(fetcher, stubStore{}, config.OutputFormatText), tt.args...)
			assert.Error(t, err)
			fetcher.AssertNotCalled(t, "FetchWithReport", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestFetch_MissingDelegatedToken(t *testing.T) {
	fetcher := &MockFetcher{}
	store := stubStore{tokenErr: credentials.ErrNoDelegatedToken}

	_, err := execute(t, fetchCommand(fetcher, store, config.OutputFormatText), "m1", "--me")
	require.Error(t, err)
	assert.ErrorIs(t, err, credentials.ErrNoDelegatedToken)
	fetcher.AssertNotCalled(t, "FetchWithReport", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_NotAvailableShowsHint(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "m1", mock.Anything).
		Return(nil, discovery.Report{PollAttempts: 3}, pferrors.NewPipelineError(pferrors.CodeNotAvailable, discovery.StagePolling, "no transcripts", pferrors.ErrTranscriptNotAvailable))

	_, err := execute(t, fetchCommand(fetcher, stubStore{}, config.OutputFormatText), "m1", "--owner", "o")
	require.Error(t, err)
	assert.ErrorIs(t, err, pferrors.ErrTranscriptNotAvailable)
	assert.Contains(t, err.Error(), "transcription was not enabled")
	assert.Contains(t, err.Error(), "after 3 poll attempts")
}

func TestFetch_OtherErrorsPassThrough(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("FetchWithReport", mock.Anything, "m1", mock.Anything).
		Return(nil, discovery.Report{}, pferrors.ErrMeetingNotFound)

	_, err := execute(t, fetchCommand(fetcher, stubStore{}, config.OutputFormatText), "m1", "--owner", "o")
	assert.ErrorIs(t, err, pferrors.ErrMeetingNotFound)
}

func writeVTT(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.vtt")
	require.NoError(t, os.WriteFile(path, []byte(sampleVTT), 0600))
	return path
}

func TestParse_Text(t *testing.T) {
	cmd := NewParseCommand(&ParseCommandDeps{LoadConfig: configWithOutput(config.OutputFormatText)})

	out, err := execute(t, cmd, writeVTT(t))
	require.NoError(t, err)

	assert.Contains(t, out, "3 entries")
	assert.Contains(t, out, "[00:00:01.000] Ana Silva: Good morning everyone")
	assert.Contains(t, out, "[00:00:08.000] Unknown: No voice tag here")
}

func TestParse_JSONFromStdin(t *testing.T) {
	cmd := NewParseCommand(&ParseCommandDeps{LoadConfig: configWithOutput(config.OutputFormatJSON)})
	cmd.SetIn(strings.NewReader(sampleVTT))

	out, err := execute(t, cmd, "-")
	require.NoError(t, err)

	var entries []meeting.TranscriptEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, meeting.TranscriptEntry{Timestamp: "00:00:05.500", Speaker: "Ben Okafor", Text: "Morning!"}, entries[1])
}

func TestParse_Normalized(t *testing.T) {
	cmd := NewParseCommand(&ParseCommandDeps{LoadConfig: configWithOutput(config.OutputFormatJSON)})

	out, err := execute(t, cmd, writeVTT(t),
		"--title", "Daily Standup",
		"--start", "2024-03-04T09:00:00Z",
		"--end", "2024-03-04T09:15:00Z",
	)
	require.NoError(t, err)

	var record meeting.CanonicalTranscript
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, meeting.MeetingTypeDaily, record.Type)
	assert.Equal(t, 15, record.DurationMinutes)
	assert.Len(t, record.Transcript, 3)
}

func TestParse_Errors(t *testing.T) {
	cmd := NewParseCommand(&ParseCommandDeps{LoadConfig: configWithOutput(config.OutputFormatText)})
	_, err := execute(t, cmd, filepath.Join(t.TempDir(), "missing.vtt"))
	assert.Error(t, err)

	cmd = NewParseCommand(&ParseCommandDeps{LoadConfig: configWithOutput(config.OutputFormatText)})
	_, err = execute(t, cmd, writeVTT(t), "--title", "x", "--start", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --start")
}

func authDeps(t *testing.T, secret string) *AuthCommandDeps {
	t.Helper()
	t.Setenv(credentials.EnvDelegatedToken, "")
	t.Setenv(credentials.EnvClientSecret, "")
	t.Setenv(credentials.EnvEncryptionKey, testEncryptionKey)
	dir := t.TempDir()

	return &AuthCommandDeps{
		OpenStore: func() (*credentials.Store, error) {
			return credentials.NewStoreWithKeyProvider(dir, credentials.NewEnvKeyProvider(credentials.EnvEncryptionKey))
		},
		ReadSecret: func(string) (string, error) {
			if secret == "" {
				return "", errors.New("no terminal")
			}
			return secret, nil
		},
	}
}

func TestAuth_LoginStatusLogout(t *testing.T) {
	deps := authDeps(t, "")

	out, err := execute(t, NewAuthCommand(deps), "login", "--token", "Bearer eyJ0eXAiOiJKV1QiLCJhbGciOi", "--account", "ana@example.com", "--expires-in", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "Login successful!")
	assert.Contains(t, out, "eyJ0eXAi...JhbGciOi")

	store, err := deps.OpenStore()
	require.NoError(t, err)
	token, err := store.DelegatedToken()
	require.NoError(t, err)
	assert.Equal(t, "eyJ0eXAiOiJKV1QiLCJhbGciOi", token)

	out, err = execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Account: ana@example.com")
	assert.Contains(t, out, "Source:  stored")
	assert.NotContains(t, out, "eyJ0eXAiOiJKV1QiLCJhbGciOi")

	out, err = execute(t, NewAuthCommand(deps), "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")
	assert.False(t, store.Exists())

	out, err = execute(t, NewAuthCommand(deps), "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "No stored credentials.")
}

func TestAuth_ClientSecretPrompted(t *testing.T) {
	deps := authDeps(t, "super-secret-value")

	out, err := execute(t, NewAuthCommand(deps), "login", "--client-secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Client secret stored: supe**********alue")

	store, err := deps.OpenStore()
	require.NoError(t, err)
	secret, err := store.ClientSecret()
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", secret)

	// A later token login keeps the secret.
	_, err = execute(t, NewAuthCommand(deps), "login", "--token", "tok")
	require.NoError(t, err)
	secret, err = store.ClientSecret()
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", secret)
}

func TestAuth_NonInteractiveWithoutValue(t *testing.T) {
	deps := authDeps(t, "")

	_, err := execute(t, NewAuthCommand(deps), "login", "--non-interactive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--non-interactive")

	_, err = execute(t, NewAuthCommand(deps), "login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading token")
}

func TestAuth_StatusEnvironmentOverride(t *testing.T) {
	deps := authDeps(t, "")
	t.Setenv(credentials.EnvClientSecret, "from-env")

	out, err := execute(t, NewAuthCommand(deps), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Delegated token:\n  (none)")
	assert.Contains(t, out, "Source:  environment (PENF_CLIENT_SECRET)")
}
