// Package changefeed shares realtime change events between processes through
// a Kafka topic.
//
// A Relay reads datastore change events and publishes them; a Source consumes
// the topic and implements realtime.Source, so every process invalidates its
// cache for changes committed by any other.
package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tally-io/tally/internal/realtime"
)

// ErrMalformedMessage is returned by Decode for records that are not change
// events.
var ErrMalformedMessage = errors.New("changefeed: malformed message")

const messageVersion = 1

type message struct {
	Version  int    `json:"v"`
	Table    string `json:"table"`
	Kind     string `json:"kind"`
	MetricID string `json:"metric_id,omitempty"`
	AtMs     int64  `json:"at_ms"`
	Origin   string `json:"origin,omitempty"`
}

// Encode serializes an event. origin names the publishing process.
func Encode(ev realtime.ChangeEvent, origin string) ([]byte, error) {
	return json.Marshal(message{
		Version:  messageVersion,
		Table:    string(ev.Table),
		Kind:     string(ev.Kind),
		MetricID: ev.MetricID,
		AtMs:     ev.At.UnixMilli(),
		Origin:   origin,
	})
}

// Decode parses a record value produced by Encode.
func Decode(data []byte) (realtime.ChangeEvent, string, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return realtime.ChangeEvent{}, "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Version != messageVersion {
		return realtime.ChangeEvent{}, "", fmt.Errorf("%w: version %d", ErrMalformedMessage, m.Version)
	}

	table := realtime.Table(m.Table)
	switch table {
	case realtime.TableMetrics, realtime.TableHistory:
	default:
		return realtime.ChangeEvent{}, "", fmt.Errorf("%w: table %q", ErrMalformedMessage, m.Table)
	}
	kind := realtime.Kind(m.Kind)
	switch kind {
	case realtime.KindInsert, realtime.KindUpdate, realtime.KindDelete, realtime.KindResync:
	default:
		return realtime.ChangeEvent{}, "", fmt.Errorf("%w: kind %q", ErrMalformedMessage, m.Kind)
	}

	return realtime.ChangeEvent{
		Table:    table,
		Kind:     kind,
		MetricID: m.MetricID,
		At:       time.UnixMilli(m.AtMs).UTC(),
	}, m.Origin, nil
}
