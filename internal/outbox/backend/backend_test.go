package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/internal/inbox"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/pkg/config"
	"github.com/datafedhq/datafed/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.New("backend-test", "dev")
	log.DisableConsoleOutput()
	return log
}

func directoryWith(t *testing.T, nodes ...*federation.Node) *federation.Directory {
	t.Helper()
	ctx := context.Background()
	store := federation.NewMemoryStore()
	for _, node := range nodes {
		require.NoError(t, store.CreateNode(ctx, node))
		require.NoError(t, store.UpsertIdentity(ctx, &federation.Identity{
			Identifier: node.Identifier + "-user",
			NodeID:     node.ID,
		}))
	}
	return federation.NewDirectory(store, nodes[0].ID, testLogger())
}

func TestDirectBackendDelivers(t *testing.T) {
	var gotBody []byte
	var gotSender string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSender = r.Header.Get("X-Sender")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("accepted"))
	}))
	defer server.Close()

	dir := directoryWith(t,
		&federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha", APIAddress: "http://unused.example"},
		&federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta", APIAddress: server.URL},
	)

	b, err := NewDirectBackend(dir, DirectTLS{}, testLogger())
	require.NoError(t, err)

	msg := &outbox.Message{
		ID:        "msg-1",
		Sender:    "node-aaaa-user",
		Recipient: "node-bbbb-user",
		Payload:   json.RawMessage(`{"share":"s-1"}`),
	}
	delivery, err := b.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, delivery.StatusCode)
	assert.Equal(t, "accepted", delivery.Body)
	assert.JSONEq(t, `{"share":"s-1"}`, string(gotBody))
	assert.Equal(t, "node-aaaa-user", gotSender)
}

func TestDirectBackendRetriesUntilCreated(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	dir := directoryWith(t,
		&federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"},
		&federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta", APIAddress: server.URL},
	)

	b, err := NewDirectBackend(dir, DirectTLS{}, testLogger())
	require.NoError(t, err)
	b.baseBackoff = time.Millisecond

	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "node-bbbb-user", Payload: json.RawMessage(`{}`)}
	_, err = b.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDirectBackendExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broken"))
	}))
	defer server.Close()

	dir := directoryWith(t,
		&federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"},
		&federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta", APIAddress: server.URL},
	)

	b, err := NewDirectBackend(dir, DirectTLS{}, testLogger())
	require.NoError(t, err)
	b.baseBackoff = time.Millisecond

	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "node-bbbb-user", Payload: json.RawMessage(`{}`)}
	_, err = b.Deliver(context.Background(), msg)

	var de *outbox.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Equal(t, "upstream broken", de.Body)
	assert.Equal(t, int32(directMaxAttempts), calls.Load())
}

func TestDirectBackendUnknownRecipient(t *testing.T) {
	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})

	b, err := NewDirectBackend(dir, DirectTLS{}, testLogger())
	require.NoError(t, err)

	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "stranger", Payload: json.RawMessage(`{}`)}
	_, err = b.Deliver(context.Background(), msg)

	var de *outbox.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, de.Err, federation.ErrIdentityUnknown)
}

func TestWorkflowBackendBuildsBundle(t *testing.T) {
	var got taskBundle
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	b := NewWorkflowBackend(server.URL, testLogger())
	msg := &outbox.Message{
		ID:        "msg-1",
		Sender:    "alice",
		Recipient: "bob",
		Payload:   json.RawMessage(`{"share":"s-1"}`),
		ExtraData: map[string]interface{}{
			"process":      "share-announce",
			"message_name": "shareCreatedMessage",
			"profile":      "http://datafed.example/task-share-announce",
		},
	}
	delivery, err := b.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, delivery.StatusCode)

	require.Len(t, got.Entry, 2)
	assert.Equal(t, "Bundle", got.ResourceType)
	assert.Equal(t, "transaction", got.Type)

	taskRaw, err := json.Marshal(got.Entry[0].Resource)
	require.NoError(t, err)
	var task taskResource
	require.NoError(t, json.Unmarshal(taskRaw, &task))
	assert.Equal(t, "share-announce", task.Process)
	assert.Equal(t, "shareCreatedMessage", task.MessageName)
	assert.Equal(t, "bob", task.Recipient)
	assert.NotEmpty(t, task.BusinessKey)
	assert.Equal(t, got.Entry[1].FullURL, task.PayloadRef)

	binRaw, err := json.Marshal(got.Entry[1].Resource)
	require.NoError(t, err)
	var bin binaryResource
	require.NoError(t, json.Unmarshal(binRaw, &bin))
	decoded, err := base64.StdEncoding.DecodeString(bin.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"share":"s-1"}`, string(decoded))
}

func TestWorkflowBackendRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	b := NewWorkflowBackend(server.URL, testLogger())
	msg := &outbox.Message{
		ID:      "msg-1",
		Sender:  "alice",
		Payload: json.RawMessage(`{}`),
		ExtraData: map[string]interface{}{
			"process":      "share-announce",
			"message_name": "shareCreatedMessage",
		},
	}
	_, err := b.Deliver(context.Background(), msg)

	var de *outbox.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusCreated, de.StatusCode)
}

func TestWorkflowBackendRequiresProcessHints(t *testing.T) {
	b := NewWorkflowBackend("http://unused.example", testLogger())
	msg := &outbox.Message{ID: "msg-1", Sender: "alice", Payload: json.RawMessage(`{}`)}

	_, err := b.Deliver(context.Background(), msg)
	var de *outbox.DeliveryError
	require.ErrorAs(t, err, &de)
}

func TestLedgerBackendPrivate(t *testing.T) {
	var gotPath string
	var got ledgerMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	dir := directoryWith(t,
		&federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"},
		&federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta", DID: "did:datafed:beta"},
	)

	b := NewLedgerBackend(server.URL, dir, testLogger())
	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "node-bbbb-user", Payload: json.RawMessage(`{"share":"s-1"}`)}

	delivery, err := b.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, delivery.StatusCode)
	assert.Equal(t, "/messages/private", gotPath)
	assert.Equal(t, []string{"did:datafed:beta"}, got.Recipients)
	assert.JSONEq(t, `{"share":"s-1"}`, string(got.Payload))
}

func TestLedgerBackendBroadcast(t *testing.T) {
	var gotPath string
	var got ledgerMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})

	b := NewLedgerBackend(server.URL, dir, testLogger())
	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Payload: json.RawMessage(`{}`)}

	_, err := b.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "/messages/broadcast", gotPath)
	assert.Empty(t, got.Recipients)
}

func TestLedgerBackendRequiresDID(t *testing.T) {
	dir := directoryWith(t,
		&federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"},
		&federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta"},
	)

	b := NewLedgerBackend("http://unused.example", dir, testLogger())
	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "node-bbbb-user", Payload: json.RawMessage(`{}`)}

	_, err := b.Deliver(context.Background(), msg)
	var de *outbox.DeliveryError
	require.ErrorAs(t, err, &de)
}

func TestLocalBackendDelivers(t *testing.T) {
	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})
	store := inbox.NewMemoryStore()

	b := NewLocalBackend(dir, store, testLogger())
	payload := json.RawMessage(`{"share":"s-1"}`)
	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "node-aaaa-user", Payload: payload}

	_, err := b.Deliver(context.Background(), msg)
	require.NoError(t, err)

	received := store.List()
	require.Len(t, received, 1)
	assert.Equal(t, []byte(payload), []byte(received[0].Payload))
	assert.Equal(t, "node-aaaa-user", received[0].Sender)
}

func TestLocalBackendSkipsRemoteRecipient(t *testing.T) {
	dir := directoryWith(t,
		&federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"},
		&federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta"},
	)
	store := inbox.NewMemoryStore()

	b := NewLocalBackend(dir, store, testLogger())
	msg := &outbox.Message{ID: "msg-1", Sender: "node-aaaa-user", Recipient: "node-bbbb-user", Payload: json.RawMessage(`{}`)}

	_, err := b.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Empty(t, store.List())
}

func TestRegistryResolve(t *testing.T) {
	cfg := config.New()
	cfg.Update(map[string]string{
		"federation.outbox.backend":           "workflow",
		"federation.outbox.workflow.endpoint": "http://engine.example/task",
		"federation.outbox.broadcast_backend": "ledger",
		"federation.outbox.ledger.endpoint":   "http://ledger.example",
	})

	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})
	deps := Deps{Config: cfg, Directory: dir, Receiver: inbox.NewMemoryStore(), Logger: testLogger()}

	point, broadcast, err := Resolve(deps)
	require.NoError(t, err)
	assert.IsType(t, &WorkflowBackend{}, point)
	assert.IsType(t, &LedgerBackend{}, broadcast)
}

func TestRegistryUnknownBackend(t *testing.T) {
	cfg := config.New()
	cfg.Update(map[string]string{"federation.outbox.backend": "carrier-pigeon"})

	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})
	_, _, err := Resolve(Deps{Config: cfg, Directory: dir, Logger: testLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRegistryEmptySlots(t *testing.T) {
	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})
	point, broadcast, err := Resolve(Deps{Config: config.New(), Directory: dir, Logger: testLogger()})
	require.NoError(t, err)
	assert.Nil(t, point)
	assert.Nil(t, broadcast)
}

func TestRegistryMissingEndpoint(t *testing.T) {
	cfg := config.New()
	cfg.Update(map[string]string{"federation.outbox.backend": "workflow"})

	dir := directoryWith(t, &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha"})
	_, _, err := Resolve(Deps{Config: cfg, Directory: dir, Logger: testLogger()})
	require.Error(t, err)
}
