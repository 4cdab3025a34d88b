package logging

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	log := Init(&Config{Level: zapcore.WarnLevel})
	require.NotNil(t, log)
	require.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Desugar().Core().Enabled(zapcore.WarnLevel))
}

func TestNewFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(zapcore.AddSync(&buf), zapcore.DebugLevel, false)

	log.Infow("configured device", "interface", "loop0", "tx_queues", 2)
	log.Debug("pacing")
	require.NoError(t, log.Sync())

	require.Regexp(t,
		regexp.MustCompile(`^\d\d:\d\d:\d\d\.\d{6}  INFO  configured device  `+
			`\{"interface": "loop0", "tx_queues": 2\}\n`+
			`\d\d:\d\d:\d\d\.\d{6}  DEBUG  pacing\n$`),
		buf.String())
}
