package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafedhq/datafed/internal/federation"
	"github.com/datafedhq/datafed/pkg/logger"
)

type fakeBackend struct {
	mu        sync.Mutex
	delivered []*Message
	err       error
}

func (f *fakeBackend) Deliver(ctx context.Context, msg *Message) (*Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	copy := *msg
	f.delivered = append(f.delivered, &copy)
	return &Delivery{StatusCode: 201, Body: "created"}, nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func testDirectory(t *testing.T) *federation.Directory {
	t.Helper()
	ctx := context.Background()
	store := federation.NewMemoryStore()

	nodeA := &federation.Node{ID: "node-a", Identifier: "node-aaaa", Name: "alpha", APIAddress: "https://alpha.example"}
	nodeB := &federation.Node{ID: "node-b", Identifier: "node-bbbb", Name: "beta", APIAddress: "https://beta.example"}
	require.NoError(t, store.CreateNode(ctx, nodeA))
	require.NoError(t, store.CreateNode(ctx, nodeB))

	require.NoError(t, store.UpsertIdentity(ctx, &federation.Identity{Identifier: "alice", NodeID: "node-a"}))
	require.NoError(t, store.UpsertIdentity(ctx, &federation.Identity{Identifier: "anna", NodeID: "node-a"}))
	require.NoError(t, store.UpsertIdentity(ctx, &federation.Identity{Identifier: "bob", NodeID: "node-b"}))

	log := logger.New("outbox-test", "dev")
	log.DisableConsoleOutput()
	return federation.NewDirectory(store, "node-a", log)
}

func testDispatcher(t *testing.T) (*Dispatcher, *MemoryStore, *fakeBackend, *fakeBackend, *fakeBackend) {
	t.Helper()
	store := NewMemoryStore()
	point := &fakeBackend{}
	broadcast := &fakeBackend{}
	local := &fakeBackend{}
	log := logger.New("outbox-test", "dev")
	log.DisableConsoleOutput()
	d := NewDispatcher(store, testDirectory(t), point, broadcast, local, log)
	return d, store, point, broadcast, local
}

func TestDispatchPointToPoint(t *testing.T) {
	ctx := context.Background()
	d, store, point, broadcast, local := testDispatcher(t)

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{"share":"s-1"}`)}
	require.NoError(t, d.Enqueue(ctx, msg))
	require.NoError(t, d.Dispatch(ctx, msg.ID))

	assert.Equal(t, 1, point.count())
	assert.Equal(t, 0, broadcast.count())
	assert.Equal(t, 0, local.count())

	stored, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.False(t, stored.Processing)
	assert.Empty(t, stored.Error)
	assert.Equal(t, 1, stored.Tries)
	require.NotNil(t, stored.StatusCode)
	assert.Equal(t, 201, *stored.StatusCode)
	assert.Equal(t, "created", stored.ResponseBody)
}

func TestDispatchLocalShortcut(t *testing.T) {
	ctx := context.Background()
	d, store, point, _, local := testDispatcher(t)

	payload := json.RawMessage(`{"share":"s-2","files":["file-1"]}`)
	msg := &Message{Sender: "alice", Recipient: "anna", Payload: payload}
	require.NoError(t, d.Enqueue(ctx, msg))
	require.NoError(t, d.Dispatch(ctx, msg.ID))

	assert.Equal(t, 0, point.count())
	require.Equal(t, 1, local.count())
	assert.Equal(t, []byte(payload), []byte(local.delivered[0].Payload))

	stored, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestDispatchBroadcast(t *testing.T) {
	ctx := context.Background()
	d, _, point, broadcast, local := testDispatcher(t)

	msg := &Message{Sender: "alice", Payload: json.RawMessage(`{"share":"s-3"}`)}
	require.NoError(t, d.Enqueue(ctx, msg))
	require.NoError(t, d.Dispatch(ctx, msg.ID))

	assert.Equal(t, 1, broadcast.count())
	assert.Equal(t, 0, point.count())
	assert.Equal(t, 0, local.count())
}

func TestDispatchRecordsFailure(t *testing.T) {
	ctx := context.Background()
	d, store, point, _, _ := testDispatcher(t)
	point.err = &DeliveryError{Address: "https://beta.example", StatusCode: 503, Body: "unavailable"}

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, msg))
	require.NoError(t, d.Dispatch(ctx, msg.ID))

	stored, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.False(t, stored.Processing)
	assert.NotEmpty(t, stored.Error)
	require.NotNil(t, stored.StatusCode)
	assert.Equal(t, 503, *stored.StatusCode)
	assert.Equal(t, "unavailable", stored.ResponseBody)
	assert.Equal(t, 1, stored.Tries)

	// still eligible for the next sweep
	point.err = nil
	require.NoError(t, d.Sweep(ctx))
	stored, err = store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 2, stored.Tries)
}

func TestSweepSkipsProcessed(t *testing.T) {
	ctx := context.Background()
	d, _, point, _, _ := testDispatcher(t)

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, msg))

	require.NoError(t, d.Sweep(ctx))
	require.NoError(t, d.Sweep(ctx))

	assert.Equal(t, 1, point.count())
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	d, store, point, broadcast, _ := testDispatcher(t)
	point.err = errors.New("wire down")

	bad := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	good := &Message{Sender: "alice", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, bad))
	require.NoError(t, d.Enqueue(ctx, good))

	require.NoError(t, d.Sweep(ctx))

	assert.Equal(t, 1, broadcast.count())

	badStored, err := store.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, badStored.Processed)
	goodStored, err := store.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, goodStored.Processed)
}

func TestMarkProcessingExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, store.Insert(ctx, msg))

	claimed, err := store.MarkProcessing(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.MarkProcessing(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDispatchSkipsClaimed(t *testing.T) {
	ctx := context.Background()
	d, store, point, _, _ := testDispatcher(t)

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, msg))

	claimed, err := store.MarkProcessing(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, d.Dispatch(ctx, msg.ID))
	assert.Equal(t, 0, point.count())
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	d, store, point, _, _ := testDispatcher(t)
	point.err = errors.New("wire down")

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, msg))
	require.NoError(t, d.Dispatch(ctx, msg.ID))

	point.err = nil
	require.NoError(t, d.Replay(ctx, msg.ID))

	stored, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 1, point.count())

	// replaying a processed message delivers it again
	require.NoError(t, d.Replay(ctx, msg.ID))
	assert.Equal(t, 2, point.count())

	assert.ErrorIs(t, d.Replay(ctx, "missing"), ErrMessageNotFound)
}

func TestDispatchNoBackend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log := logger.New("outbox-test", "dev")
	log.DisableConsoleOutput()
	d := NewDispatcher(store, testDirectory(t), nil, nil, nil, log)

	msg := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, msg))
	require.NoError(t, d.Dispatch(ctx, msg.ID))

	stored, err := store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Contains(t, stored.Error, "no backend configured")
}

func TestCollectMetrics(t *testing.T) {
	ctx := context.Background()
	d, _, point, _, _ := testDispatcher(t)

	ok := &Message{Sender: "alice", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, ok))
	require.NoError(t, d.Dispatch(ctx, ok.ID))

	point.err = errors.New("wire down")
	bad := &Message{Sender: "alice", Recipient: "bob", Payload: json.RawMessage(`{}`)}
	require.NoError(t, d.Enqueue(ctx, bad))
	require.NoError(t, d.Dispatch(ctx, bad.ID))

	m := d.CollectMetrics()
	assert.Equal(t, int64(2), m.Dispatched)
	assert.Equal(t, int64(1), m.Delivered)
	assert.Equal(t, int64(1), m.Failed)
}
