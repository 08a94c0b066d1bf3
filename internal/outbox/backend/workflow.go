package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/pkg/logger"
)

// WorkflowBackend delivers through a shared workflow engine. The message
// is wrapped in a task bundle: a task entry that starts the configured
// process at the recipient, and a binary entry carrying the payload as
// base64. The engine routes on the task's recipient identifier, so no
// node address is resolved here.
type WorkflowBackend struct {
	endpoint string
	client   *http.Client
	logger   *logger.Logger
}

// NewWorkflowBackend creates the workflow-engine backend posting to the
// given task endpoint
func NewWorkflowBackend(endpoint string, log *logger.Logger) *WorkflowBackend {
	return &WorkflowBackend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log,
	}
}

type taskBundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []bundleEntry `json:"entry"`
}

type bundleEntry struct {
	FullURL  string      `json:"fullUrl"`
	Resource interface{} `json:"resource"`
}

type taskResource struct {
	ResourceType string `json:"resourceType"`
	Profile      string `json:"profile,omitempty"`
	Status       string `json:"status"`
	Process      string `json:"process"`
	MessageName  string `json:"messageName"`
	BusinessKey  string `json:"businessKey"`
	Requester    string `json:"requester"`
	Recipient    string `json:"recipient"`
	PayloadRef   string `json:"payloadReference"`
}

type binaryResource struct {
	ResourceType string `json:"resourceType"`
	ContentType  string `json:"contentType"`
	Data         string `json:"data"`
}

// Deliver posts the task bundle. The workflow engine acknowledges a
// started process with exactly 200.
func (b *WorkflowBackend) Deliver(ctx context.Context, msg *outbox.Message) (*outbox.Delivery, error) {
	bundle, err := b.buildBundle(msg)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: b.endpoint, Err: err}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: b.endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, &outbox.DeliveryError{Address: b.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &outbox.DeliveryError{Address: b.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return nil, &outbox.DeliveryError{Address: b.endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return &outbox.Delivery{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

func (b *WorkflowBackend) buildBundle(msg *outbox.Message) (*taskBundle, error) {
	process := extraString(msg, "process")
	messageName := extraString(msg, "message_name")
	if process == "" || messageName == "" {
		return nil, fmt.Errorf("message %s has no workflow process hints", msg.ID)
	}

	businessKey := uuid.New().String()
	binaryURL := "urn:uuid:" + uuid.New().String()

	task := taskResource{
		ResourceType: "Task",
		Profile:      extraString(msg, "profile"),
		Status:       "requested",
		Process:      process,
		MessageName:  messageName,
		BusinessKey:  businessKey,
		Requester:    msg.Sender,
		Recipient:    msg.Recipient,
		PayloadRef:   binaryURL,
	}
	binary := binaryResource{
		ResourceType: "Binary",
		ContentType:  "application/json",
		Data:         base64.StdEncoding.EncodeToString(msg.Payload),
	}

	return &taskBundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entry: []bundleEntry{
			{FullURL: "urn:uuid:" + businessKey, Resource: task},
			{FullURL: binaryURL, Resource: binary},
		},
	}, nil
}

func extraString(msg *outbox.Message, key string) string {
	if msg.ExtraData == nil {
		return ""
	}
	s, _ := msg.ExtraData[key].(string)
	return s
}
