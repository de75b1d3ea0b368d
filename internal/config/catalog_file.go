package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/creditforge/backend/internal/catalog"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Provider kinds understood by the provider registry.
const (
	ProviderKindMock = "mock"
	ProviderKindHTTP = "http"
)

// CatalogFile is the YAML document describing providers and billable actions.
type CatalogFile struct {
	Providers []ProviderConfig `yaml:"providers" validate:"min=1,dive"`
	Actions   []catalog.Action `yaml:"actions" validate:"min=1,dive"`
}

type ProviderConfig struct {
	Name          string        `yaml:"name" validate:"required"`
	Kind          string        `yaml:"kind" validate:"required,oneof=mock http"`
	BaseURL       string        `yaml:"base_url" validate:"required_if=Kind http"`
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	Mock          MockConfig    `yaml:"mock"`
}

// MockConfig tunes the mock provider for local runs.
type MockConfig struct {
	StartLatency  time.Duration `yaml:"start_latency"`
	PollsToFinish int           `yaml:"polls_to_finish" validate:"gte=0"`
	QuotaFailures int           `yaml:"quota_failures" validate:"gte=0"`
	ResultURL     string        `yaml:"result_url"`
}

// LoadCatalog reads the catalogue at path, or the embedded default when path
// is empty. ${VAR} references are expanded from the environment.
func LoadCatalog(path string) (CatalogFile, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return CatalogFile{}, fmt.Errorf("config: read catalog: %w", err)
		}
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a catalogue document.
func ParseCatalog(data []byte) (CatalogFile, error) {
	expanded := os.ExpandEnv(string(data))

	var f CatalogFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return CatalogFile{}, fmt.Errorf("config: parse catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return CatalogFile{}, err
	}
	return f, nil
}

// Validate checks tags and that every action names a declared provider.
func (f CatalogFile) Validate() error {
	if err := validator.New().Struct(f); err != nil {
		return fmt.Errorf("config: catalog: %w", err)
	}
	names := make(map[string]bool, len(f.Providers))
	for _, p := range f.Providers {
		if names[p.Name] {
			return fmt.Errorf("config: catalog: duplicate provider %q", p.Name)
		}
		names[p.Name] = true
	}
	for _, a := range f.Actions {
		for _, name := range a.Route() {
			if !names[name] {
				return fmt.Errorf("config: catalog: action %q references unknown provider %q", a.Key, name)
			}
		}
	}
	return nil
}

// Provider returns the named provider configuration.
func (f CatalogFile) Provider(name string) (ProviderConfig, bool) {
	for _, p := range f.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
