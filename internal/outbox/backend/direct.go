// Package backend contains the wire adapters the outbox dispatcher
// delivers through. Each adapter implements outbox.Backend for one
// transport; the registry resolves the configured adapter names once at
// startup.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/pkg/logger"
)

const (
	directMaxAttempts = 5
	directMaxBackoff  = 60 * time.Second
)

// DirectBackend posts the raw payload to the recipient node's API
// address over mutual TLS. The recipient's server certificate is checked
// against the configured CA, and our client certificate authenticates
// the sending node.
type DirectBackend struct {
	directory *federation.Directory
	client    *http.Client
	logger    *logger.Logger

	// baseBackoff is the first retry delay; tests shrink it
	baseBackoff time.Duration
}

// DirectTLS holds the PEM file paths for the mutual-TLS client
type DirectTLS struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// NewDirectBackend creates the mTLS point-to-point backend. A zero
// DirectTLS disables client certificates, which only works against test
// servers.
func NewDirectBackend(directory *federation.Directory, tlsCfg DirectTLS, log *logger.Logger) (*DirectBackend, error) {
	transport := &http.Transport{}

	if tlsCfg.CertFile != "" || tlsCfg.CAFile != "" {
		config := &tls.Config{MinVersion: tls.VersionTLS12}

		if tlsCfg.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			config.Certificates = []tls.Certificate{cert}
		}

		if tlsCfg.CAFile != "" {
			pem, err := os.ReadFile(tlsCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
			}
			config.RootCAs = pool
		}

		transport.TLSClientConfig = config
	}

	return &DirectBackend{
		directory:   directory,
		client:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger:      log,
		baseBackoff: time.Second,
	}, nil
}

// Deliver posts the message payload to the recipient's node. The remote
// acknowledges with 201; anything else is retried up to 5 attempts with
// exponential backoff capped at 60 seconds.
func (b *DirectBackend) Deliver(ctx context.Context, msg *outbox.Message) (*outbox.Delivery, error) {
	node, err := b.directory.Resolve(ctx, msg.Recipient)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: msg.Recipient, Err: err}
	}

	url := node.APIAddress + "/federation/messages"

	var lastErr *outbox.DeliveryError
	backoff := b.baseBackoff
	for attempt := 1; attempt <= directMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, &outbox.DeliveryError{Address: url, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > directMaxBackoff {
				backoff = directMaxBackoff
			}
		}

		delivery, derr := b.post(ctx, url, msg)
		if derr == nil {
			return delivery, nil
		}
		lastErr = derr
		b.logger.Warnf("Direct delivery of %s to %s failed on attempt %d/%d: %v",
			msg.ID, node.Name, attempt, directMaxAttempts, derr)
	}
	return nil, lastErr
}

func (b *DirectBackend) post(ctx context.Context, url string, msg *outbox.Message) (*outbox.Delivery, *outbox.DeliveryError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, &outbox.DeliveryError{Address: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sender", msg.Sender)
	req.Header.Set("X-Recipient", msg.Recipient)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: url, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusCreated {
		return nil, &outbox.DeliveryError{Address: url, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return &outbox.Delivery{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
