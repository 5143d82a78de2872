package bootstrap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"agent_dispatch/internal/config"
	"agent_dispatch/internal/logx"
	"agent_dispatch/internal/secrets"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"},
		JWT:      config.JWTConfig{Secret: "s", ExpireMinutes: 10, Issuer: "agent_dispatch"},
		Vault:    config.VaultConfig{AgentPrefix: "agent"},
		Poll:     config.PollConfig{DefaultTimeoutSec: 30, MaxTimeoutSec: 120, DefaultIntervalSec: 3, MinIntervalSec: 1, MaxIntervalSec: 10, MaxItems: 10},
		Commands: config.CommandsConfig{DefaultTimeoutSec: 300},
		Agent:    config.AgentConfig{TokenGraceSec: 300, OutboundTimeoutSec: 5},
		Migrate:  true,
	}
}

func TestNew_DefaultsToMemorySecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := New(context.Background(), testConfig(), logx.NewWithWriter("error", "text", io.Discard), Options{})
	require.NoError(t, err)
	defer app.Close()

	_, ok := app.Secrets.(*secrets.MemoryStore)
	assert.True(t, ok)
	assert.Nil(t, app.Redis)
	assert.Nil(t, app.WS)
	assert.NotNil(t, app.Reaper)

	w := httptest.NewRecorder()
	app.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pong":true`)
}

func TestNew_InjectedSecrets(t *testing.T) {
	store := secrets.NewMemoryStore()
	app, err := New(context.Background(), testConfig(), logx.NewWithWriter("error", "text", io.Discard), Options{Secrets: store})
	require.NoError(t, err)
	defer app.Close()
	assert.Same(t, store, app.Secrets)
}

func TestNew_RedisUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1", ChannelPrefix: "agent_dispatch"}
	_, err := New(context.Background(), cfg, logx.NewWithWriter("error", "text", io.Discard), Options{})
	assert.Error(t, err)
}
