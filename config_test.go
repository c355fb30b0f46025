// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))
	assert.NotNil(t, cfg.Logger)

	now := cfg.TimeNow()
	assert.False(t, now.IsZero())

	assert.Equal(t, 2*time.Second, cfg.PipeIOTimeout)
	assert.Equal(t, 2*time.Second, cfg.ChildExitTimeout)
	assert.Equal(t, 600*time.Second, cfg.DNSRegisterSemaphoreTimeout)
	assert.Equal(t, 30*time.Second, cfg.NetshTimeout)
	assert.NotNil(t, cfg.RDNSSemaphore)
}

func TestConfigPipeNames(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, `\\.\pipe\ovpn3\service`, cfg.ClientPipeName())
	assert.Equal(t, `\\.\pipe\ovpn3\service_7`, cfg.EnginePipeName(7))

	cfg.PipeNameSuffix = "_test"
	assert.Equal(t, `\\.\pipe\ovpn3_test\service`, cfg.ClientPipeName())
	assert.Equal(t, `\\.\pipe\ovpn3_test\service_42`, cfg.EnginePipeName(42))
}

func TestConfigCheckOptionDefaultsNil(t *testing.T) {
	cfg := NewConfig()
	assert.Nil(t, cfg.CheckOption)
}
