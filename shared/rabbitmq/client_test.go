package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/shared/logger"
)

func TestClient_DialConfig(t *testing.T) {
	c := &Client{config: &Config{Heartbeat: 10 * time.Second}}

	cfg := c.dialConfig()
	assert.Equal(t, 10*time.Second, cfg.Heartbeat)
	assert.Equal(t, "en_US", cfg.Locale)
	assert.Nil(t, cfg.Dial)

	c.config.ConnectionTimeout = 3 * time.Second
	assert.NotNil(t, c.dialConfig().Dial)
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{config: &Config{}, logger: logger.NewNop().Logger}

	assert.False(t, c.IsConnected())

	err := c.Publish(context.Background(), []byte("{}"), "application/json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = c.Consume("tag")
	require.Error(t, err)
	assert.NoError(t, c.Close())
}

func TestNewClient_GivesUpAfterRetries(t *testing.T) {
	cfg := &Config{
		Host:              "127.0.0.1",
		Port:              1,
		User:              "guest",
		Password:          "guest",
		VHost:             "/",
		RetryAttempts:     2,
		RetryInterval:     10 * time.Millisecond,
		ConnectionTimeout: 200 * time.Millisecond,
	}

	_, err := NewClient(context.Background(), cfg, logger.NewNop().Logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
