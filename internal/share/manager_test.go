package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafedhq/datafed/internal/content"
	"github.com/datafedhq/datafed/internal/event"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/internal/permission"
	"github.com/datafedhq/datafed/pkg/logger"
)

// recordingOutbox captures enqueued messages and can snapshot the grant
// count at enqueue time, which is how the grants-before-notification
// ordering is observed.
type recordingOutbox struct {
	mu           sync.Mutex
	messages     []*outbox.Message
	grants       *permission.MemoryEngine
	grantsAtSend []int
}

func (o *recordingOutbox) Enqueue(ctx context.Context, msg *outbox.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	copy := *msg
	o.messages = append(o.messages, &copy)
	if o.grants != nil {
		o.grantsAtSend = append(o.grantsAtSend, o.grants.Count())
	}
	return nil
}

type failingEngine struct{}

func (failingEngine) Grant(ctx context.Context, batch permission.GrantBatch) (int64, error) {
	return 0, &permission.GrantError{Err: errors.New("merge failed")}
}
func (failingEngine) Revoke(ctx context.Context, shareID string) (int64, error) { return 0, nil }
func (failingEngine) Check(ctx context.Context, userID, objectIdentifier string, action permission.Action) (permission.Value, error) {
	return permission.Deny, nil
}

type fixture struct {
	manager *Manager
	store   *MemoryStore
	grants  *permission.MemoryEngine
	outbox  *recordingOutbox
	events  *event.MemoryRecorder
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	contentStore := content.NewMemoryStore()
	for c := 1; c <= 10; c++ {
		caseID := fmt.Sprintf("case-%02d", c)
		contentStore.AddCase(&content.Case{ID: caseID, Identifier: "case-id-" + caseID})
		for f := 1; f <= 5; f++ {
			id := fmt.Sprintf("%s-file-%d", caseID, f)
			contentStore.AddFile(&content.File{
				ID:         id,
				Identifier: "file-id-" + id,
				CaseID:     caseID,
				ProjectID:  "proj-1",
				OwnerID:    "alice",
				CodeIDs:    []string{"code-tumor"},
			})
		}
	}
	contentStore.AddCode(&content.Code{ID: "code-tumor", Identifier: "code-id-tumor", CodeSystemID: "cs-1"})

	log := logger.New("share-test", "dev")
	log.DisableConsoleOutput()

	grants := permission.NewMemoryEngine()
	ob := &recordingOutbox{grants: grants}
	events := event.NewMemoryRecorder()
	store := NewMemoryStore()
	selector := content.NewSelector(contentStore, log)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := NewManager(store, selector, grants, ob, events, "node-aaaa-user", log,
		WithClock(func() time.Time { return clock }),
		WithWorkflowProfiles("http://datafed.example/task-share-announce", "http://datafed.example/task-share-retract"))

	return &fixture{manager: manager, store: store, grants: grants, outbox: ob, events: events, clock: clock}
}

func allCaseIDs() []string {
	ids := make([]string, 0, 10)
	for c := 1; c <= 10; c++ {
		ids = append(ids, fmt.Sprintf("case-%02d", c))
	}
	return ids
}

func createInput() CreateInput {
	return CreateInput{
		ContentType: "file",
		ProjectID:   "proj-1",
		Name:        "study handover",
		CreatedBy:   "alice",
		Recipients:  []string{"node-bbbb-user", "node-cccc-user"},
		ValidFrom:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Actions:     []permission.Action{permission.ActionView, permission.ActionDownload},
		CaseIDs:     allCaseIDs(),
		Percentage:  100,
	}
}

func TestCreateShare(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	sh, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)

	assert.NotEmpty(t, sh.ID)
	assert.True(t, strings.HasPrefix(sh.Identifier, "share-"))
	assert.Len(t, sh.FileIdentifiers, 50)
	assert.Len(t, sh.CaseIDs, 10)
	assert.Equal(t, []string{"code-tumor"}, sh.CodeIDs)
	assert.Equal(t, []string{"cs-1"}, sh.CodeSystemIDs)
	assert.False(t, sh.Retracted)

	// 50 files x 2 actions x 2 recipients
	assert.Equal(t, 200, fx.grants.Count())

	stored, err := fx.store.GetShare(ctx, sh.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(sh.Content), string(stored.Content))

	tokens, err := fx.store.GetTokens(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	recipients := map[string]bool{}
	for _, token := range tokens {
		recipients[token.Recipient] = true
		assert.True(t, strings.HasPrefix(token.Identifier, "token-"))
		assert.True(t, token.IsValid(fx.clock))
		assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), token.ValidUntil)
	}
	assert.True(t, recipients["node-bbbb-user"])
	assert.True(t, recipients["node-cccc-user"])
}

func TestCreateDeduplicatesRecipients(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	in := createInput()
	in.Recipients = []string{"node-bbbb-user", "node-bbbb-user", "node-cccc-user"}

	sh, err := fx.manager.Create(ctx, in)
	require.NoError(t, err)

	tokens, err := fx.store.GetTokens(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	seen := map[string]int{}
	for _, token := range tokens {
		seen[token.Recipient]++
	}
	assert.Equal(t, 1, seen["node-bbbb-user"])
	assert.Equal(t, 1, seen["node-cccc-user"])

	// one announcement per distinct recipient as well
	assert.Len(t, fx.outbox.messages, 2)
}

func TestCreateEnqueuesPerRecipient(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	sh, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)

	require.Len(t, fx.outbox.messages, 2)
	seen := map[string]bool{}
	for _, msg := range fx.outbox.messages {
		seen[msg.Recipient] = true
		assert.Equal(t, "node-aaaa-user", msg.Sender)
		assert.Equal(t, "share-announce", msg.ExtraData["process"])
		assert.Equal(t, "shareCreatedMessage", msg.ExtraData["message_name"])

		var ann announcement
		require.NoError(t, json.Unmarshal(msg.Payload, &ann))
		assert.Equal(t, sh.Identifier, ann.Share)
		assert.Len(t, ann.Files, 50)
		assert.NotEmpty(t, ann.Token)
	}
	assert.True(t, seen["node-bbbb-user"])
	assert.True(t, seen["node-cccc-user"])
}

func TestCreateGrantsBeforeNotification(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)

	require.Len(t, fx.outbox.grantsAtSend, 2)
	for _, count := range fx.outbox.grantsAtSend {
		assert.Equal(t, 200, count)
	}
}

func TestCreateBroadcastWithoutRecipients(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	in := createInput()
	in.Recipients = nil

	sh, err := fx.manager.Create(ctx, in)
	require.NoError(t, err)

	tokens, err := fx.store.GetTokens(ctx, sh.ID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	require.Len(t, fx.outbox.messages, 1)
	assert.True(t, fx.outbox.messages[0].IsBroadcast())
}

func TestCreateEmptySelectionAborts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	in := createInput()
	in.CaseIDs = nil

	_, err := fx.manager.Create(ctx, in)
	var selErr *content.SelectionError
	require.ErrorAs(t, err, &selErr)

	shares, err := fx.store.ListShares(ctx, "proj-1")
	require.NoError(t, err)
	assert.Empty(t, shares)
	assert.Zero(t, fx.grants.Count())
	assert.Empty(t, fx.outbox.messages)
}

func TestCreateGrantFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	log := logger.New("share-test", "dev")
	log.DisableConsoleOutput()

	contentStore := content.NewMemoryStore()
	contentStore.AddFile(&content.File{ID: "f-1", Identifier: "file-id-1", ProjectID: "proj-1", OwnerID: "alice"})
	selector := content.NewSelector(contentStore, log)

	manager := NewManager(fx.store, selector, failingEngine{}, fx.outbox, fx.events, "node-aaaa-user", log)

	in := createInput()
	in.CaseIDs = nil
	in.FileIDs = []string{"f-1"}

	_, err := manager.Create(ctx, in)
	var grantErr *permission.GrantError
	require.ErrorAs(t, err, &grantErr)

	shares, err := fx.store.ListShares(ctx, "proj-1")
	require.NoError(t, err)
	assert.Empty(t, shares)
	assert.Empty(t, fx.outbox.messages)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	cases := map[string]func(*CreateInput){
		"missing name":    func(in *CreateInput) { in.Name = "" },
		"missing project": func(in *CreateInput) { in.ProjectID = "" },
		"missing creator": func(in *CreateInput) { in.CreatedBy = "" },
		"no actions":      func(in *CreateInput) { in.Actions = nil },
		"unknown action":  func(in *CreateInput) { in.Actions = []permission.Action{"destroy"} },
		"empty window":    func(in *CreateInput) { in.ValidUntil = in.ValidFrom },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := createInput()
			mutate(&in)
			_, err := fx.manager.Create(ctx, in)
			require.Error(t, err)
		})
	}
}

func TestRetract(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	sh, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)
	created := len(fx.outbox.messages)

	value, err := fx.grants.Check(ctx, "node-bbbb-user", sh.FileIdentifiers[0], permission.ActionView)
	require.NoError(t, err)
	require.Equal(t, permission.Allow, value)

	require.NoError(t, fx.manager.Retract(ctx, sh.ID))

	value, err = fx.grants.Check(ctx, "node-bbbb-user", sh.FileIdentifiers[0], permission.ActionView)
	require.NoError(t, err)
	assert.Equal(t, permission.Deny, value)

	stored, err := fx.store.GetShare(ctx, sh.ID)
	require.NoError(t, err)
	assert.True(t, stored.Retracted)

	tokens, err := fx.store.GetTokens(ctx, sh.ID)
	require.NoError(t, err)
	for _, token := range tokens {
		assert.False(t, token.IsValid(fx.clock.Add(time.Minute)))
	}

	retractMsgs := fx.outbox.messages[created:]
	require.Len(t, retractMsgs, 2)
	for _, msg := range retractMsgs {
		assert.Equal(t, "share-retract", msg.ExtraData["process"])
		var ann announcement
		require.NoError(t, json.Unmarshal(msg.Payload, &ann))
		assert.True(t, ann.Retracted)
	}
}

func TestRetractIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	sh, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)

	require.NoError(t, fx.manager.Retract(ctx, sh.ID))
	sent := len(fx.outbox.messages)

	require.NoError(t, fx.manager.Retract(ctx, sh.ID))
	assert.Equal(t, sent, len(fx.outbox.messages))
}

func TestRetractUnknownShare(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	assert.ErrorIs(t, fx.manager.Retract(ctx, "missing"), ErrShareNotFound)
}

func TestRetractLeavesOtherSharesGrants(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	first, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)
	second, err := fx.manager.Create(ctx, createInput())
	require.NoError(t, err)

	// identical content, so the second create inserts nothing new
	assert.Equal(t, 200, fx.grants.Count())

	require.NoError(t, fx.manager.Retract(ctx, first.ID))

	// the second share still vouches for every tuple
	assert.Equal(t, 200, fx.grants.Count())
	value, err := fx.grants.Check(ctx, "node-bbbb-user", second.FileIdentifiers[0], permission.ActionView)
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, value)
}

func TestTokenValidity(t *testing.T) {
	token := &ShareToken{
		ValidFrom:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.False(t, token.IsValid(token.ValidFrom.Add(-time.Second)))
	assert.True(t, token.IsValid(token.ValidFrom))
	assert.True(t, token.IsValid(token.ValidUntil.Add(-time.Second)))
	assert.False(t, token.IsValid(token.ValidUntil))
}
