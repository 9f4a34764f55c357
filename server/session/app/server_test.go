package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/presence"
	"gigsync/server/realtime/typing"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"BACKEND", "PORT", "TYPING_WINDOW", "PRESENCE_TTL", "PRESENCE_CHANNEL", "REALTIME_USE_MQ"} {
		t.Setenv(key, "")
	}
	cfg := LoadConfig()
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, typing.DefaultWindow, cfg.TypingWindow)
	assert.Equal(t, 30*time.Second, cfg.PresenceTTL)
	assert.Equal(t, presence.DefaultChannel, cfg.PresenceChannel)
	assert.True(t, cfg.UseMQ)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("BACKEND", "memory")
	t.Setenv("TYPING_WINDOW", "3s")
	t.Setenv("PRESENCE_TTL", "5000")
	t.Setenv("REALTIME_USE_MQ", "false")
	t.Setenv("LOG_LEVEL", "debug")
	cfg := LoadConfig()
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 3*time.Second, cfg.TypingWindow)
	assert.Equal(t, 5*time.Second, cfg.PresenceTTL)
	assert.False(t, cfg.UseMQ)
	assert.Equal(t, commonlog.LevelDebug, cfg.Log.Level)

	t.Setenv("BACKEND", "mysql")
	assert.Equal(t, BackendPostgres, LoadConfig().Backend)
}

func TestMemoryServerServesHealth(t *testing.T) {
	t.Setenv("BACKEND", "memory")
	t.Setenv("REALTIME_USE_MQ", "false")
	srv, err := NewServer(LoadConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
