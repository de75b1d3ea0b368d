package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("QUOTA_MAX_RETRIES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 288, cfg.Quota.MaxRetries)
	assert.Equal(t, 50, cfg.Quota.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Quota.RetryInterval)
	assert.Equal(t, 5, cfg.Poller.MaxConsecutiveErrors)
	assert.Equal(t, 5, cfg.Guard.MaxConcurrentJobs)
	assert.Equal(t, time.Hour, cfg.Guard.IdempotencyTTL)
	assert.True(t, cfg.Guard.Enabled)
	assert.Equal(t, 0, cfg.SignupCredits)
	assert.Equal(t, 24*time.Hour, cfg.Audit.Interval)
}

func TestLoadOverridesAndErrors(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Poller.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)

	t.Setenv("QUOTA_MAX_SIZE", "lots")
	_, err = Load()
	assert.ErrorContains(t, err, "QUOTA_MAX_SIZE")

	t.Setenv("QUOTA_MAX_SIZE", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestSignupCredits(t *testing.T) {
	t.Setenv("SIGNUP_CREDITS", "25")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.SignupCredits)

	t.Setenv("SIGNUP_CREDITS", "-1")
	_, err = Load()
	assert.Error(t, err)
}

func TestPollTimeoutMustExceedInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("POLL_TIMEOUT", "5s")
	_, err := Load()
	assert.Error(t, err)
}

func TestWalletAuditInterval(t *testing.T) {
	t.Setenv("WALLET_AUDIT_INTERVAL", "6h")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.Audit.Interval)

	t.Setenv("WALLET_AUDIT_INTERVAL", "10s")
	_, err = Load()
	assert.Error(t, err)
}

func TestDefaultCatalog(t *testing.T) {
	f, err := LoadCatalog("")
	require.NoError(t, err)

	p, ok := f.Provider("mock")
	require.True(t, ok)
	assert.Equal(t, ProviderKindMock, p.Kind)
	assert.Equal(t, 3, p.Mock.PollsToFinish)
	assert.Equal(t, 200*time.Millisecond, p.Mock.StartLatency)

	costs := map[string]int64{}
	routes := map[string][]string{}
	for _, a := range f.Actions {
		costs[a.Key] = a.CostCredits
		routes[a.Key] = a.Route()
	}
	assert.Equal(t, int64(20), costs["text_to_3d_generate"])
	assert.Equal(t, int64(60), costs["video_generate"])
	assert.Equal(t, []string{"mock", "mock_video_backup"}, routes["video_generate"])
	assert.Equal(t, []string{"mock"}, routes["refine"])
}

func TestParseCatalogExpandsEnvAndValidates(t *testing.T) {
	t.Setenv("MESHY_BASE", "https://api.meshy.example")
	doc := `
providers:
  - name: meshy
    kind: http
    base_url: ${MESHY_BASE}
    timeout: 30s
actions:
  - key: refine
    code: MESHY_REFINE
    provider: meshy
    cost_credits: 10
`
	f, err := ParseCatalog([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "https://api.meshy.example", f.Providers[0].BaseURL)
	assert.Equal(t, 30*time.Second, f.Providers[0].Timeout)

	_, err = ParseCatalog([]byte(`
providers:
  - name: meshy
    kind: http
actions:
  - key: refine
    code: R
    provider: meshy
`))
	assert.Error(t, err, "http provider without base_url")

	_, err = ParseCatalog([]byte(`
providers:
  - name: mock
    kind: mock
actions:
  - key: refine
    code: R
    provider: nowhere
`))
	assert.ErrorContains(t, err, "unknown provider")

	f, err = ParseCatalog([]byte(`
providers:
  - name: google
    kind: mock
  - name: runway
    kind: mock
actions:
  - key: video_generate
    code: V
    provider: google
    fallback_providers: [runway]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"runway"}, f.Actions[0].Fallbacks)

	_, err = ParseCatalog([]byte(`
providers:
  - name: google
    kind: mock
actions:
  - key: video_generate
    code: V
    provider: google
    fallback_providers: [runway]
`))
	assert.ErrorContains(t, err, "unknown provider \"runway\"")
}
