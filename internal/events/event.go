// Package events distributes registry changes between instances over Kafka.
// Every mutation of a registered service publishes an Event; consumers drop
// their cached snapshot and any access rule state derived from it.
package events

import "time"

const (
	OpRegistered = "registered"
	OpState      = "state"
	OpRules      = "rules"
	OpDeleted    = "deleted"
)

// Event is the wire form of one registry change. Version increases
// monotonically per producer so replayed or reordered messages can be
// skipped.
type Event struct {
	Op      string    `json:"op"`
	Ident   string    `json:"ident"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
}
