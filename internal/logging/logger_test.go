package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPresets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		debugOn bool
		infoOn  bool
	}{
		{name: "development", cfg: Config{Development: true}, debugOn: true, infoOn: true},
		{name: "production", cfg: Config{}, debugOn: false, infoOn: true},
		{name: "production debug", cfg: Config{Level: "debug"}, debugOn: true, infoOn: true},
		{name: "development warn", cfg: Config{Development: true, Level: "warn"}, debugOn: false, infoOn: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.cfg)
			require.NoError(t, err)
			defer logger.Sync() //nolint:errcheck // best-effort flush

			assert.Equal(t, tt.debugOn, logger.Core().Enabled(zap.DebugLevel))
			assert.Equal(t, tt.infoOn, logger.Core().Enabled(zap.InfoLevel))
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.ErrorContains(t, err, `parse log level "chatty"`)
}
