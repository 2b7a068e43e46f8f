package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func Test_New_levels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "INFO"} {
		l, err := New(lvl, "console")
		assert.NoError(t, err, lvl)
		assert.NotNil(t, l, lvl)
	}
	l, err := New("debug", "json")
	assert.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
	l, err = New("warn", "json")
	assert.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
}

func Test_New_bad_settings(t *testing.T) {
	_, err := New("loud", "console")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}
