// Package feed defines the change-notification primitive that the record
// store publishes to and that channel subscriptions consume.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrClosed = errors.New("feed closed")

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Signal is an out-of-band status notification from the transport.
type Signal string

const (
	SignalError    Signal = "error"
	SignalTimedOut Signal = "timed-out"
	SignalClosed   Signal = "closed"
)

// Filter is an equality predicate on one column. The zero Filter matches
// every row of the table.
type Filter struct {
	Column string `json:"column,omitempty" msgpack:"column,omitempty"`
	Value  string `json:"value,omitempty" msgpack:"value,omitempty"`
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

func (f Filter) IsZero() bool {
	return f.Column == ""
}

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// ParseFilter reads the "column=eq.value" form produced by String.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	column, value, ok := strings.Cut(s, "=eq.")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("unsupported filter %q", s)
	}
	return Filter{Column: column, Value: value}, nil
}

func (f Filter) Match(columns map[string]string) bool {
	if f.IsZero() {
		return true
	}
	v, ok := columns[f.Column]
	return ok && v == f.Value
}

// Key identifies a subscription target.
type Key struct {
	Table  string `json:"table" msgpack:"table"`
	Filter Filter `json:"filter" msgpack:"filter"`
}

func (k Key) String() string {
	if k.Filter.IsZero() {
		return k.Table
	}
	return k.Table + ":" + k.Filter.String()
}

// Change is a minimal notification: the operation, the filterable column
// values and the raw (un-joined) row encoded with msgpack.
type Change struct {
	Table   string            `json:"table" msgpack:"table"`
	Op      Op                `json:"op" msgpack:"op"`
	Columns map[string]string `json:"columns" msgpack:"columns"`
	Row     []byte            `json:"row" msgpack:"row"`
	At      time.Time         `json:"at" msgpack:"at"`
}

func NewChange(table string, op Op, row any, columns map[string]string) (Change, error) {
	data, err := msgpack.Marshal(row)
	if err != nil {
		return Change{}, fmt.Errorf("encode %s row: %w", table, err)
	}
	return Change{
		Table:   table,
		Op:      op,
		Columns: columns,
		Row:     data,
		At:      time.Now(),
	}, nil
}

// Decode unpacks the row into v.
func (c Change) Decode(v any) error {
	return msgpack.Unmarshal(c.Row, v)
}

// Stream is one live subscription. Changes are delivered in publish order.
type Stream interface {
	Changes() <-chan Change
	Signals() <-chan Signal
	Close() error
}

// Transport opens streams.
type Transport interface {
	Subscribe(ctx context.Context, key Key) (Stream, error)
}
