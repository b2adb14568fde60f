// Package consumerfactory implements the Message-Consumer Factory (§4.H):
// generateMessageConsumer(type, config) constructs one of the three concrete
// transports behind a ready-to-Init *consumer.Consumer.
package consumerfactory

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/jackc/pgx/v5/pgxpool"

	"dmlistener.evalgo.org/brokeruri"
	"dmlistener.evalgo.org/common"
	"dmlistener.evalgo.org/config"
	"dmlistener.evalgo.org/consumer"
	"dmlistener.evalgo.org/listenerrors"
	"dmlistener.evalgo.org/msgtransport/amqp"
	"dmlistener.evalgo.org/msgtransport/cloudfifo"
	"dmlistener.evalgo.org/msgtransport/sqltransport"
	"dmlistener.evalgo.org/registry"
	"dmlistener.evalgo.org/sqlqueue"
)

// envOverrides lets an operator supply the SQL transport's connection DSN
// through the environment (DMLISTENER_CONNECTION_PROVIDER) instead of
// embedding it in a literal config map, for secrets that shouldn't be
// hardcoded alongside the rest of a consumer's configuration.
var envOverrides = config.NewEnvConfig("DMLISTENER")

// init reconfigures the shared package logger from DMLISTENER_LOG_LEVEL/
// DMLISTENER_LOG_FORMAT when either is set, leaving logrus defaults
// otherwise. This is the only place the runtime's logging output is
// reconfigured from the environment; everything else logs through the
// already-initialized common.Logger.
func init() {
	level := envOverrides.GetString("LOG_LEVEL", "")
	format := envOverrides.GetString("LOG_FORMAT", "")
	if level == "" && format == "" {
		return
	}
	cfg := common.DefaultLoggerConfig()
	if level != "" {
		cfg.Level = common.LogLevel(level)
	}
	if format != "" {
		cfg.Format = format
	}
	configured := common.NewLogger(cfg)
	common.Logger.SetLevel(configured.GetLevel())
	common.Logger.SetFormatter(configured.Formatter)
	common.Logger.SetReportCaller(cfg.AddCaller)
}

// ConsumerType enumerates the concrete transports a factory can produce.
type ConsumerType string

const (
	AMQP      ConsumerType = "AMQP"
	CloudFIFO ConsumerType = "CLOUD_FIFO"
	SQL       ConsumerType = "SQL"
)

// NullArgument reports that GenerateMessageConsumer was called with a
// required argument missing (an empty ConsumerType).
type NullArgument struct {
	Arg string
}

func (e *NullArgument) Error() string {
	return "consumerfactory: required argument " + e.Arg + " is nil"
}

// GenerateMessageConsumer builds a *consumer.Consumer for the requested
// transport type. A nil/empty typ returns NullArgument; cfg may be nil only
// for a type whose schema has no required keys, which in practice is none
// of AMQP/SQL/CLOUD_FIFO (each requires at least one connection-shaped key).
// For SQL a missing connectionProvider fails here, while the SQL client is
// built; for AMQP and CLOUD_FIFO an absent key surfaces as SetupFailure from
// the transport's own DoInit. Any construction failure is wrapped in
// SetupFailure.
func GenerateMessageConsumer(typ ConsumerType, cfg config.Values, reg *registry.Registry) (*consumer.Consumer, error) {
	if typ == "" {
		return nil, &NullArgument{Arg: "type"}
	}

	log := common.ServiceLogger("consumerfactory", "").WithField("type", string(typ))
	var transport consumer.Transport
	opErr := common.LogOperation(log, "build transport", func() error {
		var err error
		transport, err = buildTransport(typ, cfg, reg)
		return err
	})
	if opErr != nil {
		return nil, &listenerrors.SetupFailure{Op: "consumerfactory.GenerateMessageConsumer", Cause: opErr}
	}
	return consumer.New(transport), nil
}

func buildTransport(typ ConsumerType, cfg config.Values, reg *registry.Registry) (consumer.Transport, error) {
	switch typ {
	case AMQP:
		return amqp.New(), nil
	case CloudFIFO:
		return cloudfifo.New(nil), nil
	case SQL:
		client, err := buildSQLClient(cfg)
		if err != nil {
			return nil, err
		}
		return sqltransport.New(client, reg), nil
	default:
		return nil, &listenerrors.SetupFailure{Op: "consumerfactory.buildTransport", Cause: unknownTypeErr(typ)}
	}
}

// buildSQLClient resolves the SQL transport's connectionProvider config key
// into a concrete sqlqueue.Client: an embedded-SQLite URI selects the
// embedded backend, anything else is parsed as a Postgres DSN.
func buildSQLClient(cfg config.Values) (sqlqueue.Client, error) {
	provider := envOverrides.GetString("CONNECTION_PROVIDER", "")
	if provider == "" {
		var err error
		provider, err = cfg.RequireString("connectionProvider")
		if err != nil {
			return nil, err
		}
	}

	if uri, parseErr := brokeruri.ParseEmbeddedSQLURI(provider); parseErr == nil {
		db, err := sql.Open("sqlite3", uri.Path)
		if err != nil {
			return nil, err
		}
		return sqlqueue.NewEmbeddedClient(db), nil
	}

	pool, err := pgxpool.New(context.Background(), provider)
	if err != nil {
		return nil, err
	}
	return sqlqueue.NewPostgresClient(pool), nil
}

type unknownTypeErr ConsumerType

func (e unknownTypeErr) Error() string {
	return "consumerfactory: unknown consumer type " + string(e)
}
