package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-auth-service/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("NOTIFIER_CHANNEL", "log")
	t.Setenv("JWT_SECRET", "access-secret-for-tests")
	t.Setenv("JWT_REFRESH_SECRET", "refresh-secret-for-tests")
	t.Setenv("ARGON2_MEMORY_COST", "1024")
	t.Setenv("ARGON2_TIME_COST", "1")
	t.Setenv("ARGON2_PARALLELISM", "1")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestNewWiresMemoryStack(t *testing.T) {
	f, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.TLSManager())
	assert.Nil(t, f.RateLimiter())
	assert.NotNil(t, f.AuthService())
	assert.NotNil(t, f.Providers())
	require.NoError(t, f.HealthCheck(context.Background()))

	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestNewRejectsMemoryStoreInProduction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment = "production"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory store")
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database driver")
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}
