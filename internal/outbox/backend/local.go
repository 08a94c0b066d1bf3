package backend

import (
	"context"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/inbox"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/pkg/logger"
)

// LocalBackend hands messages to the node's own inbox without touching
// the network. The payload it delivers is byte-identical to what a
// remote node would receive over a wire backend.
type LocalBackend struct {
	directory *federation.Directory
	receiver  inbox.Receiver
	logger    *logger.Logger
}

// NewLocalBackend creates the in-process backend delivering to the given
// receiver
func NewLocalBackend(directory *federation.Directory, receiver inbox.Receiver, log *logger.Logger) *LocalBackend {
	return &LocalBackend{directory: directory, receiver: receiver, logger: log}
}

// Deliver passes the message to the local inbox. A recipient that turns
// out not to live on this node is logged and skipped; the dispatcher
// only routes here after resolving both parties to the same node, so
// hitting that branch means the directory changed underneath us.
func (b *LocalBackend) Deliver(ctx context.Context, msg *outbox.Message) (*outbox.Delivery, error) {
	local, err := b.directory.IsLocal(ctx, msg.Recipient)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: msg.Recipient, Err: err}
	}
	if !local {
		b.logger.Warnf("Recipient %s of message %s is not on this node, skipping local delivery",
			msg.Recipient, msg.ID)
		return &outbox.Delivery{}, nil
	}

	in := &inbox.Message{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Payload:   msg.Payload,
	}
	if err := b.receiver.Receive(ctx, in); err != nil {
		return nil, &outbox.DeliveryError{Address: msg.Recipient, Err: err}
	}
	return &outbox.Delivery{}, nil
}
