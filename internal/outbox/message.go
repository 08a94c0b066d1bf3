// Package outbox owns the queue of outbound federation notifications and
// the per-message delivery state machine. A message is enqueued when a
// share is announced or retracted, delivered asynchronously by one of the
// wire backends, and kept afterwards as an immutable audit record.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one unit of outbound work
type Message struct {
	ID        string
	Sender    string
	Recipient string // empty means broadcast
	Payload   json.RawMessage
	// ExtraData carries protocol-specific hints, e.g. the workflow
	// process and business key for the workflow backend
	ExtraData map[string]interface{}

	Processing   bool
	Processed    bool
	StatusCode   *int
	ResponseBody string
	Error        string
	Tries        int
	Created      time.Time
}

// IsBroadcast reports whether the message has no single recipient
func (m *Message) IsBroadcast() bool {
	return m.Recipient == ""
}

// Delivery is a successful transport result
type Delivery struct {
	StatusCode int
	Body       string
}

// Backend delivers one message over one wire protocol. Failures are
// reported as *DeliveryError after the backend's own retries are
// exhausted.
type Backend interface {
	Deliver(ctx context.Context, msg *Message) (*Delivery, error)
}

// DeliveryError wraps a failed delivery attempt. It is recorded on the
// message, never raised to the caller that created the share.
type DeliveryError struct {
	Address    string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery to %s failed: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("delivery to %s failed with status %d", e.Address, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Store is the persistence contract for outbox messages
type Store interface {
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// ListUnprocessed returns messages with processed = false that are
	// not currently being worked on
	ListUnprocessed(ctx context.Context) ([]*Message, error)

	// MarkProcessing transitions PENDING -> PROCESSING atomically and
	// increments the try counter. Returns false when the message is
	// already processing or processed, so concurrent sweeps never run
	// two attempts for one message.
	MarkProcessing(ctx context.Context, id string) (bool, error)

	// Complete transitions PROCESSING -> PROCESSED with the transport result
	Complete(ctx context.Context, id string, statusCode *int, body string) error

	// Fail transitions PROCESSING -> ERROR, leaving processed = false
	Fail(ctx context.Context, id string, statusCode *int, body, errMsg string) error

	// ResetForReplay returns a message to PENDING for manual replay
	ResetForReplay(ctx context.Context, id string) error
}
