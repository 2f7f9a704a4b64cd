// Package changefeed notifies in-process subscribers about committed
// changes to a kv store.
//
// A Change names the key and the kind of write; it never carries the value.
// Subscribers that need the value read it back from the store, which keeps
// encrypted or large values out of the feed.
package changefeed

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("changefeed: broker is closed")
)

// Op is the kind of write a Change records.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
)

// Change is one committed write. Key is empty for OpClear.
// TxID is set when the write was part of a transaction.
type Change struct {
	TxID string    `json:"tx_id,omitempty"`
	Op   Op        `json:"op"`
	Key  string    `json:"key,omitempty"`
	At   time.Time `json:"at"`
}

// Publisher publishes changes to topics.
type Publisher interface {
	// Publish delivers the changes, in order, to every active subscriber of topic.
	// With no subscribers the changes are dropped.
	Publish(ctx context.Context, topic string, changes ...Change) error

	Close() error
}

// Subscriber registers handlers for topics.
type Subscriber interface {
	// Subscribe calls handler for every batch of changes published to topic
	// until ctx is canceled or the subscriber is closed. A batch holds the
	// changes of one write or one transaction.
	Subscribe(ctx context.Context, topic string, handler func([]Change)) error

	Close() error
}

// Broker combines Publisher and Subscriber.
type Broker interface {
	Publisher
	Subscriber
}
