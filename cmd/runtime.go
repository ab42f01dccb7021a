// Package cmd provides the penf-transcripts commands.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/credentials"
	"github.com/otherjamesbrown/penf-transcripts/pkg/auth"
	"github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-transcripts/pkg/discovery"
	"github.com/otherjamesbrown/penf-transcripts/pkg/graph"
	"github.com/otherjamesbrown/penf-transcripts/pkg/ingest/meeting"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
)

// SecretStore supplies stored secrets.
type SecretStore interface {
	DelegatedToken() (string, error)
	ClientSecret() (string, error)
}

// Fetcher acquires canonical transcripts.
type Fetcher interface {
	FetchWithReport(ctx context.Context, meetingID string, authz discovery.Authorization) (*meeting.CanonicalTranscript, discovery.Report, error)
}

// openStore opens the default credential store.
func openStore() (SecretStore, error) {
	return credentials.NewStore()
}

// newLogger builds a logger from cfg writing to out.
func newLogger(cfg *config.ServiceConfig, out io.Writer, sinks ...logging.Sink) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		ServiceName: buildinfo.ServiceName,
		Environment: cfg.Logging.Environment,
		JSONFormat:  cfg.Logging.JSON,
		Output:      out,
		Sinks:       sinks,
	})
}

// newAppTokens returns the application token provider, or nil when no
// application registration or client secret is configured.
func newAppTokens(cfg *config.ServiceConfig, store SecretStore, logger logging.Logger) (auth.TokenProvider, error) {
	if !cfg.Auth.ApplicationConfigured() {
		logger.Info("Application credentials not configured; only delegated acquisitions are available")
		return nil, nil
	}

	secret, err := store.ClientSecret()
	if err != nil {
		return nil, fmt.Errorf("reading client secret: %w", err)
	}
	if secret == "" {
		logger.Warn("Application registered but no client secret stored; run 'penf-transcripts auth login --client-secret'")
		return nil, nil
	}

	provider, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
		TenantID:     cfg.Auth.TenantID,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: secret,
		Authority:    cfg.Auth.Authority,
		Scopes:       cfg.Auth.Scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("creating application token provider: %w", err)
	}
	return provider, nil
}

// newDiscovery wires the acquisition service from cfg.
func newDiscovery(cfg *config.ServiceConfig, store SecretStore, metrics *observability.PipelineMetrics, logger logging.Logger) (*discovery.Service, error) {
	appTokens, err := newAppTokens(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	client := graph.NewClient(graph.Config{
		BaseURL:        cfg.Graph.BaseURL,
		Timeout:        cfg.Graph.Timeout,
		StreamDelivery: cfg.Graph.StreamDelivery,
		ChunkSize:      cfg.Graph.ChunkSize,
	}, logger)

	opts := []discovery.Option{
		discovery.WithLogger(logger),
		discovery.WithTracer(observability.NewTracer()),
	}
	if metrics != nil {
		opts = append(opts, discovery.WithMetrics(metrics))
	}

	return discovery.NewService(client, appTokens, discovery.Config{
		Poll:      cfg.Discovery.Poll,
		Selection: cfg.Discovery.Selection,
	}, opts...), nil
}
