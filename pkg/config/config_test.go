package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPassesItsOwnValidation(t *testing.T) {
	cfg := Default()
	assert.NoError(t, Validate(&cfg, true, true))
}

func TestValidateRejectsEmptyServerListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ""
	assert.Error(t, Validate(&cfg, true, false))
}

func TestValidateRejectsNegativeMaxPlayers(t *testing.T) {
	cfg := Default()
	cfg.Server.MaxPlayers = -1
	assert.Error(t, Validate(&cfg, true, false))
}

func TestValidateRejectsTooOldProtocolVersion(t *testing.T) {
	cfg := Default()
	cfg.Server.ProtocolVersion = 1 // predates Minecraft_1_7_2
	assert.Error(t, Validate(&cfg, true, false))
}

func TestValidateSkipsServerChecksWhenNotRequested(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ""
	assert.NoError(t, Validate(&cfg, false, false))
}

func TestValidateRejectsEmptyProxyListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Proxy.ListenAddr = ""
	assert.Error(t, Validate(&cfg, false, true))
}
