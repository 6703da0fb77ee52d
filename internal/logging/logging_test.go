// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		debug, warn   bool
	}{
		{"debug", "console", true, true},
		{"warn", "json", false, true},
		{"error", "", false, false},
		{" INFO ", "JSON", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			l, err := New(tt.level, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.debug, l.Core().Enabled(zap.DebugLevel))
			assert.Equal(t, tt.warn, l.Core().Enabled(zap.WarnLevel))
		})
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "console")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}
