// Package listener implements the Listener Service of §4.I: it recognizes a
// Senzing-style INFO payload, derives the resource keys it touches, and
// wires a message's parsed JSON to scheduled tasks via a pluggable
// scheduleTasks/handleTask pair.
package listener

import (
	"fmt"
	"net/url"
	"strings"

	"dmlistener.evalgo.org/listenerrors"
)

// ReportKey is the wire-form key scheduled tasks carry as an opaque
// parameter: REPORT_CODE:STAT[:DS1[:DS2]], percent-encoded per part, 2-4
// colon-separated tokens.
type ReportKey struct {
	Code        string
	Stat        string
	DataSources []string
}

// ParseReportKey parses the wire form. Anything outside 2-4 colon-separated
// tokens is rejected.
func ParseReportKey(s string) (ReportKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return ReportKey{}, &listenerrors.SetupFailure{
			Op:    "listener.ParseReportKey",
			Cause: fmt.Errorf("report key %q must have 2-4 colon-separated tokens, got %d", s, len(parts)),
		}
	}
	decoded := make([]string, len(parts))
	for i, p := range parts {
		d, err := url.QueryUnescape(p)
		if err != nil {
			return ReportKey{}, &listenerrors.SetupFailure{Op: "listener.ParseReportKey", Cause: err}
		}
		decoded[i] = d
	}
	key := ReportKey{Code: decoded[0], Stat: decoded[1]}
	if len(decoded) > 2 {
		key.DataSources = decoded[2:]
	}
	return key, nil
}

// String renders the wire form, round-tripping with ParseReportKey.
func (k ReportKey) String() string {
	parts := []string{url.QueryEscape(k.Code), url.QueryEscape(k.Stat)}
	for _, ds := range k.DataSources {
		parts = append(parts, url.QueryEscape(ds))
	}
	return strings.Join(parts, ":")
}
