package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvConfig_GetString_PrefixedKey(t *testing.T) {
	const key = "CONNECTION_PROVIDER"
	os.Setenv("DMLISTENER_"+key, "sqlite3::memory:")
	defer os.Unsetenv("DMLISTENER_" + key)

	ec := NewEnvConfig("DMLISTENER")
	assert.Equal(t, "sqlite3::memory:", ec.GetString(key, ""))
}

func TestEnvConfig_GetString_DefaultWhenUnset(t *testing.T) {
	ec := NewEnvConfig("DMLISTENER")
	assert.Equal(t, "fallback", ec.GetString("DOES_NOT_EXIST", "fallback"))
}

func TestEnvConfig_MustGetString_PanicsWhenMissing(t *testing.T) {
	ec := NewEnvConfig("DMLISTENER")
	assert.Panics(t, func() { ec.MustGetString("DOES_NOT_EXIST") })
}

func TestEnvConfig_GetInt(t *testing.T) {
	const key = "DMLISTENER_CONCURRENCY"
	os.Setenv(key, "8")
	defer os.Unsetenv(key)

	ec := NewEnvConfig("DMLISTENER")
	assert.Equal(t, 8, ec.GetInt("CONCURRENCY", 1))
}

func TestEnvConfig_GetBool(t *testing.T) {
	const key = "DMLISTENER_ENABLED"
	os.Setenv(key, "true")
	defer os.Unsetenv(key)

	ec := NewEnvConfig("DMLISTENER")
	assert.True(t, ec.GetBool("ENABLED", false))
}

func TestEnvConfig_GetDuration_PlainIntegerUsesUnit(t *testing.T) {
	const key = "DMLISTENER_TIMEOUT"
	os.Setenv(key, "5")
	defer os.Unsetenv(key)

	ec := NewEnvConfig("DMLISTENER")
	assert.Equal(t, 5*time.Second, ec.GetDuration("TIMEOUT", time.Second, time.Second))
}

func TestEnvConfig_GetDuration_ParsesGoDurationSyntax(t *testing.T) {
	const key = "DMLISTENER_TIMEOUT"
	os.Setenv(key, "250ms")
	defer os.Unsetenv(key)

	ec := NewEnvConfig("DMLISTENER")
	assert.Equal(t, 250*time.Millisecond, ec.GetDuration("TIMEOUT", time.Second, time.Second))
}

func TestEnvConfig_GetStringSlice_SplitsAndTrims(t *testing.T) {
	const key = "DMLISTENER_DATA_SOURCES"
	os.Setenv(key, "CUSTOMERS, WATCHLIST,  REFERENCE")
	defer os.Unsetenv(key)

	ec := NewEnvConfig("DMLISTENER")
	assert.Equal(t, []string{"CUSTOMERS", "WATCHLIST", "REFERENCE"}, ec.GetStringSlice("DATA_SOURCES", nil))
}

func TestEnvConfig_NoPrefix(t *testing.T) {
	os.Setenv("UNPREFIXED_KEY", "value")
	defer os.Unsetenv("UNPREFIXED_KEY")

	ec := NewEnvConfig("")
	assert.Equal(t, "value", ec.GetString("UNPREFIXED_KEY", ""))
}

func TestValues_RequireString_MissingKey(t *testing.T) {
	v := Values{}
	_, err := v.RequireString("host")
	require.Error(t, err)
	var missing *MissingKeyError
	assert.ErrorAs(t, err, &missing)
}
