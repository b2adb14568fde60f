package common

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputSplitter_RoutesByLevel(t *testing.T) {
	splitter := &OutputSplitter{}

	tests := []struct {
		name    string
		message []byte
	}{
		{"ErrorLevel", []byte(`level=error msg="boom"`)},
		{"InfoLevel", []byte(`level=info msg="started"`)},
		{"ErrorSubstringOnly", []byte(`level=info msg="error occurred but not error level"`)},
		{"Empty", []byte(``)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := splitter.Write(tt.message)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.message), n)
		})
	}
}

func TestOutputSplitter_BytePatternMatching(t *testing.T) {
	assert.True(t, bytes.Contains([]byte("prefix level=error suffix"), []byte("level=error")))
	assert.False(t, bytes.Contains([]byte("LEVEL=ERROR"), []byte("level=error")))
}

func TestLogger_Initialization(t *testing.T) {
	assert.NotNil(t, Logger)
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "Logger should use OutputSplitter")
}
