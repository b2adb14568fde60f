package consumerfactory

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/registry"
)

func TestGenerateMessageConsumer_EmptyTypeIsNullArgument(t *testing.T) {
	_, err := GenerateMessageConsumer("", config.Values{}, registry.New())
	var nullArg *NullArgument
	require.Error(t, err)
	assert.ErrorAs(t, err, &nullArg)
}

func TestGenerateMessageConsumer_UnknownType(t *testing.T) {
	_, err := GenerateMessageConsumer(ConsumerType("BOGUS"), config.Values{}, registry.New())
	require.Error(t, err)
}

func TestGenerateMessageConsumer_AMQP(t *testing.T) {
	c, err := GenerateMessageConsumer(AMQP, config.Values{}, registry.New())
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestGenerateMessageConsumer_SQL_RequiresConnectionProvider(t *testing.T) {
	_, err := GenerateMessageConsumer(SQL, config.Values{}, registry.New())
	require.Error(t, err)
}

func TestGenerateMessageConsumer_SQL_EmbeddedSQLite(t *testing.T) {
	c, err := GenerateMessageConsumer(SQL, config.Values{"connectionProvider": "sqlite3::memory:"}, registry.New())
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestBuildSQLClient_EnvOverrideTakesPrecedence(t *testing.T) {
	const key = "DMLISTENER_CONNECTION_PROVIDER"
	os.Setenv(key, "sqlite3::memory:")
	defer os.Unsetenv(key)

	client, err := buildSQLClient(config.Values{"connectionProvider": "not-a-real-dsn"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
