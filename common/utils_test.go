package common

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"Empty", "", "<not set>"},
		{"Short", "short", "***"},
		{"Long", "myverylongsecretkey123", "myve...y123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSecret(tt.secret))
		})
	}
}

func TestGetEnv_FallsBackToDefault(t *testing.T) {
	const key = "DMLISTENER_TEST_GETENV"
	os.Unsetenv(key)
	assert.Equal(t, "fallback", GetEnv(key, "fallback"))

	os.Setenv(key, "set")
	defer os.Unsetenv(key)
	assert.Equal(t, "set", GetEnv(key, "fallback"))
}

func TestGetEnvInt_InvalidFallsBackToDefault(t *testing.T) {
	const key = "DMLISTENER_TEST_GETENVINT"
	os.Setenv(key, "not-a-number")
	defer os.Unsetenv(key)
	assert.Equal(t, 7, GetEnvInt(key, 7))

	os.Setenv(key, "42")
	assert.Equal(t, 42, GetEnvInt(key, 7))
}

func TestGetEnvBool_AcceptsAliases(t *testing.T) {
	const key = "DMLISTENER_TEST_GETENVBOOL"
	defer os.Unsetenv(key)

	for _, v := range []string{"true", "1", "yes", "on"} {
		os.Setenv(key, v)
		assert.True(t, GetEnvBool(key, false), "value %q should be true", v)
	}
	for _, v := range []string{"false", "0", "no", "off"} {
		os.Setenv(key, v)
		assert.False(t, GetEnvBool(key, true), "value %q should be false", v)
	}
	os.Setenv(key, "garbage")
	assert.True(t, GetEnvBool(key, true))
}
