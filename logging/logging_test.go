package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logrus.Level
		wantErr bool
	}{
		{"", logrus.InfoLevel, false},
		{"debug", logrus.DebugLevel, false},
		{"WARN", logrus.WarnLevel, false},
		{"verbose", logrus.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Format = "xml"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidFormat)

	cfg = DefaultConfig()
	cfg.MaxBackups = -1
	assert.Error(t, cfg.Validate())
}

func TestSetupLoggerConsoleJSON(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer

	closer, err := SetupLogger(logger, Config{Level: "debug", Format: FormatJSON}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.WithField("function", "TestSetupLoggerConsoleJSON").Debug("hello")

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"function":"TestSetupLoggerConsoleJSON"`)
}

func TestSetupLoggerFile(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "nearby.log")

	cfg := DefaultConfig()
	cfg.File = path
	closer, err := SetupLogger(logger, cfg, &buf)
	require.NoError(t, err)

	logger.Info("written twice")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written twice")
	assert.Contains(t, buf.String(), "written twice")
}

func TestSetupLoggerRejectsBadLevel(t *testing.T) {
	logger := logrus.New()
	_, err := SetupLogger(logger, Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
