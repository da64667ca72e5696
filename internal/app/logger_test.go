package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/rowguard/pkg/logger"
)

func TestConfigureLogging(t *testing.T) {
	restore := logger.Replace(nil)
	t.Cleanup(func() { restore() })

	require.NoError(t, ConfigureLogging(LogConfig{Level: "debug"}))
	require.NoError(t, ConfigureLogging(LogConfig{Development: true}))
}
