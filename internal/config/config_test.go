package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DB_ADAPTER":            "memory",
		"JWT_SECRET":            "access-secret",
		"JWT_REFRESH_SECRET":    "refresh-secret",
		"ENCRYPTION_MASTER_KEY": "0123456789abcdef0123456789abcdef",
		"CORS_ORIGIN":           "http://localhost:3000",
	}
}

func TestFromMapDefaults(t *testing.T) {
	c, err := FromMap(baseEnv())
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, 15*time.Minute, c.JWT.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, c.JWT.RefreshTTL)
	assert.Equal(t, 15*time.Minute, c.JWT.VerificationTTL)
	assert.Equal(t, 10*time.Minute, c.JWT.ResetTTL)
	assert.Equal(t, 100, c.RateLimit.IPMaxAttemptsPerDay)
	assert.Equal(t, 5, c.RateLimit.IDMaxFails)
	assert.Equal(t, 3, c.RateLimit.IDIPMaxFails)
	assert.Equal(t, "memory", c.RateLimit.Backend)
	assert.False(t, c.IsProduction())
}

func TestMissingRequiredIsAggregated(t *testing.T) {
	_, err := FromMap(map[string]string{"DB_ADAPTER": "memory"})
	require.Error(t, err)

	for _, name := range []string{"JWT_SECRET", "JWT_REFRESH_SECRET", "ENCRYPTION_MASTER_KEY", "CORS_ORIGIN"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestSemanticErrorsAreJoined(t *testing.T) {
	vars := baseEnv()
	vars["JWT_REFRESH_SECRET"] = vars["JWT_SECRET"]
	vars["BCRYPT_COST"] = "4"
	vars["RATE_LIMIT_BACKEND"] = "redis"

	_, err := FromMap(vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_REFRESH_SECRET must differ")
	assert.Contains(t, err.Error(), "BCRYPT_COST")
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestProductionChecks(t *testing.T) {
	vars := baseEnv()
	vars["APP_ENV"] = "production"
	vars["ENCRYPTION_MASTER_KEY"] = "short"
	vars["CORS_ORIGIN"] = "*"

	_, err := FromMap(vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_MASTER_KEY")
	assert.Contains(t, err.Error(), "CORS_ORIGIN")
	assert.Contains(t, err.Error(), "MAIL_PROVIDER=log")
}

func TestBuildPostgresDSN(t *testing.T) {
	d := &Database{PostgresHost: "db", PostgresUser: "pulse", PostgresDB: "auth", PostgresPassword: "pw"}
	dsn, err := d.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=pulse dbname=auth sslmode=disable password=pw", dsn)

	d = &Database{PostgresDSN: "postgres://x"}
	dsn, err = d.BuildPostgresDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	_, err = (&Database{}).BuildPostgresDSN()
	assert.Error(t, err)
}

func TestUnsupportedAdapter(t *testing.T) {
	vars := baseEnv()
	vars["DB_ADAPTER"] = "mongo"
	_, err := FromMap(vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported DB_ADAPTER")
}
