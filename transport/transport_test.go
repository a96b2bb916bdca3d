package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentials_Empty(t *testing.T) {
	assert.True(t, Credentials{}.Empty())
	assert.False(t, Credentials{Username: "guest"}.Empty())
	assert.False(t, Credentials{Password: "secret"}.Empty())
}

func TestConfig_Interface(t *testing.T) {
	var _ Config = (*mockConfig)(nil)

	cfg := &mockConfig{pubSubSystem: "test", address: "test://local"}
	assert.Equal(t, "test", cfg.GetPubSubSystem())
	assert.Equal(t, "test://local", cfg.GetAddress())
}

func TestConn_Interface(t *testing.T) {
	var _ Conn = (*mockConn)(nil)
}
