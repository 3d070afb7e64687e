package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	require.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	require.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	require.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		log, err := New("warn", format)
		require.NoError(t, err)
		require.False(t, log.Core().Enabled(zapcore.InfoLevel))
		require.True(t, log.Core().Enabled(zapcore.WarnLevel))
	}
}
