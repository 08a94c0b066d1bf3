package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/pkg/logger"
)

// LedgerBackend sends messages through a distributed-ledger node. A
// message with a recipient becomes a private data exchange addressed to
// the recipient node's DID; a broadcast goes to every member of the
// network. Both calls are synchronous against the local ledger node,
// which takes over persistence and consensus.
type LedgerBackend struct {
	endpoint  string
	directory *federation.Directory
	client    *http.Client
	logger    *logger.Logger
}

// NewLedgerBackend creates a backend talking to the local ledger node at
// the given base URL
func NewLedgerBackend(endpoint string, directory *federation.Directory, log *logger.Logger) *LedgerBackend {
	return &LedgerBackend{
		endpoint:  endpoint,
		directory: directory,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    log,
	}
}

type ledgerMessage struct {
	Recipients []string        `json:"recipients,omitempty"`
	Sender     string          `json:"sender"`
	Payload    json.RawMessage `json:"payload"`
}

// Deliver routes to the ledger's private or broadcast endpoint depending
// on whether the message has a recipient
func (b *LedgerBackend) Deliver(ctx context.Context, msg *outbox.Message) (*outbox.Delivery, error) {
	lm := ledgerMessage{Sender: msg.Sender, Payload: msg.Payload}
	url := b.endpoint + "/messages/broadcast"

	if !msg.IsBroadcast() {
		node, err := b.directory.Resolve(ctx, msg.Recipient)
		if err != nil {
			return nil, &outbox.DeliveryError{Address: msg.Recipient, Err: err}
		}
		if node.DID == "" {
			return nil, &outbox.DeliveryError{
				Address: msg.Recipient,
				Err:     fmt.Errorf("node %s has no DID", node.Name),
			}
		}
		lm.Recipients = []string{node.DID}
		url = b.endpoint + "/messages/private"
	}

	data, err := json.Marshal(lm)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &outbox.DeliveryError{Address: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: url, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &outbox.DeliveryError{Address: url, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return &outbox.Delivery{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
