// Package brokeruri parses and formats the connection URIs the listener
// runtime's transports are configured with: AMQP broker endpoints and
// embedded-SQL (SQLite) endpoints. Both variants share scheme/host/port/
// credential/query-option structure; parsing normalizes defaults (ports,
// percent-decoding) and formatting round-trips the canonical form.
package brokeruri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"

	"dmlistener.evalgo.org/listenerrors"
)

// QueryOptions is an insertion-order-preserving, percent-decoded key/value
// map, the way a URI's query string is modeled throughout this package.
type QueryOptions struct {
	keys   []string
	values map[string]string
}

// NewQueryOptions returns an empty, ready-to-use QueryOptions.
func NewQueryOptions() *QueryOptions {
	return &QueryOptions{values: make(map[string]string)}
}

// Set stores key=value, preserving first-insertion order for Keys/String.
func (q *QueryOptions) Set(key, value string) {
	if _, exists := q.values[key]; !exists {
		q.keys = append(q.keys, key)
	}
	q.values[key] = value
}

// Get returns the value for key and whether it was present.
func (q *QueryOptions) Get(key string) (string, bool) {
	v, ok := q.values[key]
	return v, ok
}

// Keys returns the option keys in insertion order.
func (q *QueryOptions) Keys() []string {
	return append([]string(nil), q.keys...)
}

// Equal reports structural equality, independent of insertion order.
func (q *QueryOptions) Equal(other *QueryOptions) bool {
	if q == nil || other == nil {
		return q == other
	}
	if len(q.values) != len(other.values) {
		return false
	}
	for k, v := range q.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func parseQueryOptions(rawQuery string) (*QueryOptions, error) {
	opts := NewQueryOptions()
	if rawQuery == "" {
		return opts, nil
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, err
		}
		value := ""
		if len(kv) == 2 {
			value, err = url.QueryUnescape(kv[1])
			if err != nil {
				return nil, err
			}
		}
		opts.Set(key, value)
	}
	return opts, nil
}

func (q *QueryOptions) encode(omit map[string]string) string {
	var parts []string
	for _, k := range q.keys {
		v := q.values[k]
		if omitDefault, ok := omit[k]; ok && omitDefault == v {
			continue
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "&")
}

// base carries the fields common to every broker URI variant.
type base struct {
	scheme   string
	host     string
	port     int
	user     string
	password string
	options  *QueryOptions
}

// AMQPURI is a parsed `amqp://` or `amqps://` endpoint.
type AMQPURI struct {
	base
	VirtualHost string
}

const (
	amqpDefaultPort  = 5672
	amqpsDefaultPort = 5671
)

// ParseAMQPURI parses s into an AMQPURI, or returns *listenerrors.SetupFailure
// wrapping a BadURI cause.
func ParseAMQPURI(s string) (*AMQPURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseAMQPURI", Cause: &BadURI{Input: s, Reason: err.Error()}}
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseAMQPURI", Cause: &BadURI{Input: s, Reason: "scheme must be amqp or amqps"}}
	}

	hasUser := u.User != nil
	user := ""
	password := ""
	passwordSet := false
	if hasUser {
		user = u.User.Username()
		password, passwordSet = u.User.Password()
	}
	if hasUser && user != "" && !passwordSet {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseAMQPURI", Cause: &BadURI{Input: s, Reason: "username present without password"}}
	}
	if hasUser && user == "" && passwordSet {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseAMQPURI", Cause: &BadURI{Input: s, Reason: "password present without username"}}
	}

	port := amqpDefaultPort
	if u.Scheme == "amqps" {
		port = amqpsDefaultPort
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseAMQPURI", Cause: &BadURI{Input: s, Reason: "invalid port"}}
		}
	}

	opts, err := parseQueryOptions(u.RawQuery)
	if err != nil {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseAMQPURI", Cause: &BadURI{Input: s, Reason: err.Error()}}
	}

	vhost := strings.TrimPrefix(u.Path, "/")

	return &AMQPURI{
		base: base{
			scheme:   u.Scheme,
			host:     u.Hostname(),
			port:     port,
			user:     user,
			password: password,
			options:  opts,
		},
		VirtualHost: vhost,
	}, nil
}

// Scheme, Host, Port, User, Password, Options expose the common base fields.
func (a *AMQPURI) Scheme() string          { return a.scheme }
func (a *AMQPURI) Host() string            { return a.host }
func (a *AMQPURI) Port() int               { return a.port }
func (a *AMQPURI) User() string            { return a.user }
func (a *AMQPURI) Password() string        { return a.password }
func (a *AMQPURI) Options() *QueryOptions  { return a.options }

// String renders the canonical form, round-tripping through ParseAMQPURI.
func (a *AMQPURI) String() string {
	var sb strings.Builder
	sb.WriteString(a.scheme)
	sb.WriteString("://")
	if a.user != "" {
		sb.WriteString(url.QueryEscape(a.user))
		sb.WriteString(":")
		sb.WriteString(url.QueryEscape(a.password))
		sb.WriteString("@")
	}
	sb.WriteString(a.host)
	defaultPort := amqpDefaultPort
	if a.scheme == "amqps" {
		defaultPort = amqpsDefaultPort
	}
	if a.port != defaultPort {
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(a.port))
	}
	sb.WriteString("/")
	sb.WriteString(a.VirtualHost)
	if q := a.options.encode(nil); q != "" {
		sb.WriteString("?")
		sb.WriteString(q)
	}
	return sb.String()
}

// Equal reports structural equality between two AMQP URIs.
func (a *AMQPURI) Equal(other *AMQPURI) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.scheme == other.scheme && a.host == other.host && a.port == other.port &&
		a.user == other.user && a.password == other.password &&
		a.VirtualHost == other.VirtualHost && a.options.Equal(other.options)
}

// HashCode returns a stable hash consistent with Equal.
func (a *AMQPURI) HashCode() uint64 {
	return fnvHash(a.String())
}

// EmbeddedSQLURI is a parsed `sqlite3:` endpoint, either the in-memory form
// (`sqlite3::memory:`, optionally named via a `mode=memory` file-form URI) or
// a file-backed form (`sqlite3://[user:pw@]/absolute/path?opt=val`).
type EmbeddedSQLURI struct {
	base
	InMemory bool
	Path     string // absolute file path, or the memory identifier when InMemory
}

// ParseEmbeddedSQLURI parses s into an EmbeddedSQLURI.
func ParseEmbeddedSQLURI(s string) (*EmbeddedSQLURI, error) {
	const scheme = "sqlite3:"
	if !strings.HasPrefix(s, scheme) {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseEmbeddedSQLURI", Cause: &BadURI{Input: s, Reason: "scheme must be sqlite3"}}
	}
	rest := strings.TrimPrefix(s, scheme)

	if rest == ":memory:" {
		return &EmbeddedSQLURI{
			base:     base{scheme: "sqlite3", options: NewQueryOptions()},
			InMemory: true,
			Path:     ":memory:",
		}, nil
	}

	if !strings.HasPrefix(rest, "//") {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseEmbeddedSQLURI", Cause: &BadURI{Input: s, Reason: "file-form URI must start with sqlite3://"}}
	}

	u, err := url.Parse("sqlite3:" + rest)
	if err != nil {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseEmbeddedSQLURI", Cause: &BadURI{Input: s, Reason: err.Error()}}
	}

	user := ""
	password := ""
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}

	opts, err := parseQueryOptions(u.RawQuery)
	if err != nil {
		return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseEmbeddedSQLURI", Cause: &BadURI{Input: s, Reason: err.Error()}}
	}

	path := u.Host + u.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.HasPrefix(path, "/~/") {
		if expanded, err := homedir.Expand(path[1:]); err == nil {
			path = expanded
		}
	}

	inMemory := false
	if mode, ok := opts.Get("mode"); ok {
		if mode != "memory" {
			return nil, &listenerrors.SetupFailure{Op: "brokeruri.ParseEmbeddedSQLURI", Cause: &BadURI{Input: s, Reason: "unknown mode: " + mode}}
		}
		inMemory = true
	}

	return &EmbeddedSQLURI{
		base:     base{scheme: "sqlite3", user: user, password: password, options: opts},
		InMemory: inMemory,
		Path:     path,
	}, nil
}

func (e *EmbeddedSQLURI) User() string           { return e.user }
func (e *EmbeddedSQLURI) Password() string       { return e.password }
func (e *EmbeddedSQLURI) Options() *QueryOptions { return e.options }

// String renders the canonical form.
func (e *EmbeddedSQLURI) String() string {
	if e.InMemory && e.options.Get1("mode") != "memory" {
		return "sqlite3::memory:"
	}
	var sb strings.Builder
	sb.WriteString("sqlite3://")
	if e.user != "" {
		sb.WriteString(url.QueryEscape(e.user))
		sb.WriteString(":")
		sb.WriteString(url.QueryEscape(e.password))
		sb.WriteString("@")
	}
	sb.WriteString(e.Path)
	// The bare ":memory:" form is handled by the short-circuit above; any
	// InMemory value reaching this point came from a file-form mode=memory
	// query option, which must stay in the query string or reparsing loses
	// the in-memory flag.
	if q := e.options.encode(nil); q != "" {
		sb.WriteString("?")
		sb.WriteString(q)
	}
	return sb.String()
}

// Get1 is a convenience used only by String's memory-form check.
func (q *QueryOptions) Get1(key string) string {
	v, _ := q.Get(key)
	return v
}

// Equal reports structural equality between two embedded-SQL URIs.
func (e *EmbeddedSQLURI) Equal(other *EmbeddedSQLURI) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.InMemory == other.InMemory && e.Path == other.Path &&
		e.user == other.user && e.password == other.password &&
		e.options.Equal(other.options)
}

// HashCode returns a stable hash consistent with Equal.
func (e *EmbeddedSQLURI) HashCode() uint64 {
	return fnvHash(e.String())
}

// BadURI reports a malformed broker URI.
type BadURI struct {
	Input  string
	Reason string
}

func (e *BadURI) Error() string {
	return fmt.Sprintf("bad URI %q: %s", e.Input, e.Reason)
}

func fnvHash(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
