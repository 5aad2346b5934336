package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Store.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Store.RetryBackoff)
	assert.Equal(t, TriggerTransportMemory, cfg.Trigger.Transport)
	assert.Equal(t, "enrollment-events", cfg.Trigger.Stream)
	assert.Equal(t, time.Second, cfg.Trigger.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Courses.CacheTTL)
	assert.Nil(t, cfg.CORS.AllowedOrigins)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("STORE_DRIVER", "MEMORY")
	v.Set("STORE_MAX_ATTEMPTS", 0)
	v.Set("TRIGGER_RETRY_DELAY", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", "https://lms.example.edu, ,https://admin.example.edu")

	cfg := fromViper(v)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Store.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Trigger.RetryDelay)
	assert.Equal(t, []string{"https://lms.example.edu", "https://admin.example.edu"}, cfg.CORS.AllowedOrigins)
}
