package logging

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"outliner-backend/internal/config"
	apperrors "outliner-backend/internal/errors"
)

func TestNew_LevelFromConfig(t *testing.T) {
	cfg := config.Default(config.Development)
	cfg.Logging.Level = "warn"

	l, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l.Level())

	l.SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, l.Level())

	l.SetLevel("loud")
	assert.Equal(t, zapcore.DebugLevel, l.Level())
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	cfg := config.Default(config.Development)
	cfg.Logging.Level = "verbose"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestErrorFields(t *testing.T) {
	assert.Nil(t, ErrorFields(nil))
	assert.Len(t, ErrorFields(stderrors.New("plain")), 1)

	err := apperrors.NotFound(apperrors.CodeNodeNotFound.String(), "node not found").
		WithOperation("deleteNode").
		WithResource("n-1").
		Build()

	keys := map[string]bool{}
	for _, f := range ErrorFields(err) {
		keys[f.Key] = true
	}
	for _, k := range []string{"error", "error_type", "error_code", "retryable", "operation", "node_id"} {
		assert.True(t, keys[k], k)
	}
}
