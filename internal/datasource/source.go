// Package datasource implements the master-side value sources described in
// spec.md §4.5: a data source is a lazy, possibly-infinite stream of write
// values. Absence of new data is never an error — it just means "no write
// this cycle" — and permanent disappearance degrades the master to
// read-only rather than failing it.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Source is polled once per master poll cycle. ok=false means "nothing new,
// don't write this cycle" — not an error.
type Source interface {
	Next(ctx context.Context) (values []uint16, ok bool, err error)
	Close() error
}

// Line is the JSON wire shape shared by File, Pipe, MQTT, and HTTP sources.
type Line struct {
	Values []uint16 `json:"values"`
}

// manualSource never produces a value; the master only reads.
type manualSource struct{}

func (manualSource) Next(context.Context) ([]uint16, bool, error) { return nil, false, nil }
func (manualSource) Close() error                                 { return nil }

// Parse builds a Source from a --data-source URI (spec.md §6):
// manual | file:<path> | pipe:<name> | transparent:<port> | mqtt://... |
// http://... | ipc:<path>.
func Parse(uri string) (Source, error) {
	switch {
	case uri == "" || uri == "manual":
		return manualSource{}, nil
	case strings.HasPrefix(uri, "file:"):
		return newFileSource(strings.TrimPrefix(uri, "file:"))
	case strings.HasPrefix(uri, "pipe:"):
		return newFileSource(strings.TrimPrefix(uri, "pipe:"))
	case strings.HasPrefix(uri, "transparent:"):
		return NewPushSource(), nil
	case strings.HasPrefix(uri, "ipc:"):
		return NewPushSource(), nil
	case strings.HasPrefix(uri, "mqtt://"), strings.HasPrefix(uri, "mqtts://"):
		return newMQTTSource(uri)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return newHTTPSource(uri)
	default:
		return nil, fmt.Errorf("datasource: unrecognized source %q", uri)
	}
}

// topicFromURI extracts the path component of a broker URI to use as an
// MQTT topic, trimming the leading slash.
func topicFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("datasource: parse %q: %w", uri, err)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func parseLine(raw []byte) ([]uint16, error) {
	var l Line
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("datasource: malformed line: %w", err)
	}
	return l.Values, nil
}
