package main

import (
	"fmt"

	"github.com/creditforge/backend/internal/config"
	"github.com/creditforge/backend/internal/provider"
	"github.com/creditforge/backend/internal/provider/httpjson"
	"github.com/creditforge/backend/internal/provider/mock"
)

// buildProviders constructs a client for every configured provider and
// collects the webhook secrets keyed by provider name.
func buildProviders(file config.CatalogFile) (*provider.Registry, map[string]string, error) {
	clients := make([]provider.Client, 0, len(file.Providers))
	secrets := make(map[string]string, len(file.Providers))
	for _, pc := range file.Providers {
		c, err := newClient(pc)
		if err != nil {
			return nil, nil, err
		}
		clients = append(clients, c)
		if pc.WebhookSecret != "" {
			secrets[pc.Name] = pc.WebhookSecret
		}
	}
	reg, err := provider.NewRegistry(clients...)
	if err != nil {
		return nil, nil, err
	}
	return reg, secrets, nil
}

func newClient(pc config.ProviderConfig) (provider.Client, error) {
	switch pc.Kind {
	case config.ProviderKindMock:
		opts := []mock.Option{mock.WithName(pc.Name), mock.WithLatency(pc.Mock.StartLatency)}
		if pc.Mock.PollsToFinish > 0 {
			opts = append(opts, mock.WithPollsToFinish(pc.Mock.PollsToFinish))
		}
		if pc.Mock.QuotaFailures > 0 {
			opts = append(opts, mock.WithQuotaFailures(pc.Mock.QuotaFailures))
		}
		if pc.Mock.ResultURL != "" {
			opts = append(opts, mock.WithOutput(provider.Output{URL: pc.Mock.ResultURL}))
		}
		return mock.New(opts...), nil
	case config.ProviderKindHTTP:
		opts := []httpjson.Option{httpjson.WithAPIKey(pc.APIKey)}
		if pc.Timeout > 0 {
			opts = append(opts, httpjson.WithTimeout(pc.Timeout))
		}
		return httpjson.New(pc.Name, pc.BaseURL, opts...), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
	}
}
