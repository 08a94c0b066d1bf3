package share

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datafedhq/datafed/internal/content"
	"github.com/datafedhq/datafed/internal/event"
	"github.com/datafedhq/datafed/internal/identifier"
	"github.com/datafedhq/datafed/internal/outbox"
	"github.com/datafedhq/datafed/internal/permission"
	"github.com/datafedhq/datafed/pkg/logger"
)

// Enqueuer is the outbox surface the manager needs
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *outbox.Message) error
}

// Manager orchestrates share creation and retraction. Grants are written
// before any notification leaves the node: a recipient that reacts to an
// announcement immediately must already be authorized.
type Manager struct {
	store    Store
	selector *content.Selector
	grants   permission.Engine
	outbox   Enqueuer
	events   event.Recorder
	logger   *logger.Logger

	// Origin identifies this node in announcements
	origin string

	// workflow hints attached to every announcement for the workflow
	// backend; other backends ignore them
	announceProfile string
	retractProfile  string

	now func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithClock injects a time source for tests
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithWorkflowProfiles sets the task profiles announced to the workflow
// backend
func WithWorkflowProfiles(announce, retract string) ManagerOption {
	return func(m *Manager) {
		m.announceProfile = announce
		m.retractProfile = retract
	}
}

// NewManager creates a share lifecycle manager. origin is the identity
// this node sends from.
func NewManager(store Store, selector *content.Selector, grants permission.Engine, ob Enqueuer, events event.Recorder, origin string, log *logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		selector: selector,
		grants:   grants,
		outbox:   ob,
		events:   events,
		logger:   log,
		origin:   origin,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateInput describes a share to be issued
type CreateInput struct {
	ContentType string
	ProjectID   string
	Name        string
	CreatedBy   string
	Recipients  []string
	ValidFrom   time.Time
	ValidUntil  time.Time
	Actions     []permission.Action

	// Selection: explicit lists, a query tree, or both
	CaseIDs    []string
	FileIDs    []string
	QueryTree  []byte
	Percentage int
}

// announcement is the payload snapshot a recipient receives
type announcement struct {
	Share       string    `json:"share"`
	Name        string    `json:"name"`
	Project     string    `json:"project"`
	Sender      string    `json:"sender"`
	Token       string    `json:"token,omitempty"`
	Files       []string  `json:"files"`
	Cases       []string  `json:"cases"`
	Codes       []string  `json:"codes"`
	CodeSystems []string  `json:"code_systems"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
	Retracted   bool      `json:"retracted,omitempty"`
}

// Create selects content, persists the share with one token per
// recipient, writes the permission grants, and enqueues one announcement
// per recipient. Selection and grant failures abort the whole creation;
// a share is never left half-materialized.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Share, error) {
	if err := m.validate(in); err != nil {
		return nil, err
	}
	// one token per recipient, no matter how often the caller lists one
	in.Recipients = dedupeRecipients(in.Recipients)

	set, err := m.selector.Select(ctx, content.SelectionInput{
		ContentType: in.ContentType,
		ProjectID:   in.ProjectID,
		OwnerID:     in.CreatedBy,
		CaseIDs:     in.CaseIDs,
		FileIDs:     in.FileIDs,
		QueryTree:   in.QueryTree,
		Percentage:  in.Percentage,
	})
	if err != nil {
		return nil, err
	}

	sh := &Share{
		Identifier:      identifier.New("share"),
		Name:            in.Name,
		ProjectID:       in.ProjectID,
		CreatedBy:       in.CreatedBy,
		Origin:          m.origin,
		FileQuery:       in.QueryTree,
		CaseIDs:         set.CaseIDs,
		FileIDs:         fileIDs(set),
		FileIdentifiers: set.FileIdentifiers,
		CodeIDs:         set.CodeIDs,
		CodeSystemIDs:   set.CodeSystemIDs,
		Created:         m.now(),
	}

	snapshot, err := json.Marshal(m.announcement(sh, in, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to build share snapshot: %w", err)
	}
	sh.Content = snapshot

	tokens := make([]*ShareToken, 0, len(in.Recipients))
	for _, recipient := range in.Recipients {
		tokens = append(tokens, &ShareToken{
			Identifier:        identifier.New("token"),
			Recipient:         recipient,
			ProjectIdentifier: in.ProjectID,
			CreatedBy:         in.CreatedBy,
			ValidFrom:         in.ValidFrom,
			ValidUntil:        in.ValidUntil,
		})
	}

	if err := m.store.CreateShare(ctx, sh, tokens); err != nil {
		return nil, fmt.Errorf("failed to persist share: %w", err)
	}

	inserted, err := m.grants.Grant(ctx, permission.GrantBatch{
		ObjectIdentifiers: sh.FileIdentifiers,
		Actions:           in.Actions,
		Recipients:        in.Recipients,
		Value:             permission.Allow,
		GrantedBy:         in.CreatedBy,
		ShareID:           sh.ID,
	})
	if err != nil {
		// the share must not survive without its grants
		if delErr := m.store.DeleteShare(ctx, sh.ID); delErr != nil {
			m.logger.Errorf("Failed to roll back share %s after grant failure: %v", sh.ID, delErr)
		}
		return nil, err
	}
	m.logger.Infof("Share %s granted %d new permissions to %d recipients",
		sh.Identifier, inserted, len(in.Recipients))

	m.record(ctx, event.VerbShareCreate, sh)

	if len(tokens) == 0 {
		m.announce(ctx, sh, in, nil)
	}
	for _, token := range tokens {
		m.announce(ctx, sh, in, token)
	}
	return sh, nil
}

// Retract revokes the share's grants, invalidates its tokens and sends
// one retraction notice per token recipient. Retracting an already
// retracted share is a no-op.
func (m *Manager) Retract(ctx context.Context, shareID string) error {
	sh, err := m.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	if sh.Retracted {
		m.logger.Infof("Share %s is already retracted", sh.Identifier)
		return nil
	}

	removed, err := m.grants.Revoke(ctx, sh.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke grants of share %s: %w", sh.Identifier, err)
	}

	tokens, err := m.store.GetTokens(ctx, sh.ID)
	if err != nil {
		return err
	}

	if err := m.store.Retract(ctx, sh.ID, m.now()); err != nil {
		return fmt.Errorf("failed to retract share %s: %w", sh.Identifier, err)
	}
	sh.Retracted = true
	m.logger.Infof("Share %s retracted, %d grants removed, %d tokens invalidated",
		sh.Identifier, removed, len(tokens))

	m.record(ctx, event.VerbShareRetract, sh)

	notice := announcement{
		Share:     sh.Identifier,
		Name:      sh.Name,
		Project:   sh.ProjectID,
		Sender:    m.origin,
		Retracted: true,
	}
	for _, token := range tokens {
		payload, err := json.Marshal(notice)
		if err != nil {
			return err
		}
		msg := &outbox.Message{
			Sender:    m.origin,
			Recipient: token.Recipient,
			Payload:   payload,
			ExtraData: m.workflowHints("share-retract", "shareRetractedMessage", m.retractProfile),
		}
		if err := m.outbox.Enqueue(ctx, msg); err != nil {
			m.logger.Errorf("Failed to enqueue retraction notice for %s to %s: %v",
				sh.Identifier, token.Recipient, err)
		}
	}
	return nil
}

func (m *Manager) validate(in CreateInput) error {
	if in.Name == "" {
		return fmt.Errorf("share name is required")
	}
	if in.ProjectID == "" {
		return fmt.Errorf("project is required")
	}
	if in.CreatedBy == "" {
		return fmt.Errorf("creator is required")
	}
	if len(in.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for _, action := range in.Actions {
		if _, err := permission.ParseAction(string(action)); err != nil {
			return err
		}
	}
	if !in.ValidUntil.After(in.ValidFrom) {
		return fmt.Errorf("validity window is empty")
	}
	return nil
}

func (m *Manager) announcement(sh *Share, in CreateInput, token string) announcement {
	return announcement{
		Share:       sh.Identifier,
		Name:        sh.Name,
		Project:     sh.ProjectID,
		Sender:      m.origin,
		Token:       token,
		Files:       sh.FileIdentifiers,
		Cases:       sh.CaseIDs,
		Codes:       sh.CodeIDs,
		CodeSystems: sh.CodeSystemIDs,
		ValidFrom:   in.ValidFrom,
		ValidUntil:  in.ValidUntil,
	}
}

// announce enqueues one message. A nil token means the share has no
// addressed recipients and is announced to the whole network.
func (m *Manager) announce(ctx context.Context, sh *Share, in CreateInput, token *ShareToken) {
	var recipient, tokenID string
	if token != nil {
		recipient = token.Recipient
		tokenID = token.Identifier
	}

	payload, err := json.Marshal(m.announcement(sh, in, tokenID))
	if err != nil {
		m.logger.Errorf("Failed to build announcement for share %s: %v", sh.Identifier, err)
		return
	}

	msg := &outbox.Message{
		Sender:    m.origin,
		Recipient: recipient,
		Payload:   payload,
		ExtraData: m.workflowHints("share-announce", "shareCreatedMessage", m.announceProfile),
	}
	if err := m.outbox.Enqueue(ctx, msg); err != nil {
		m.logger.Errorf("Failed to enqueue announcement for share %s to %s: %v",
			sh.Identifier, recipient, err)
	}
}

func (m *Manager) workflowHints(process, messageName, profile string) map[string]interface{} {
	hints := map[string]interface{}{
		"resource":     "task",
		"process":      process,
		"message_name": messageName,
	}
	if profile != "" {
		hints["profile"] = profile
	}
	return hints
}

func (m *Manager) record(ctx context.Context, verb event.Verb, sh *Share) {
	err := m.events.Record(ctx, &event.Event{
		Actor:     sh.CreatedBy,
		Verb:      verb,
		ProjectID: sh.ProjectID,
		ShareID:   sh.ID,
	})
	if err != nil {
		m.logger.Warnf("Failed to record %s event for share %s: %v", verb, sh.Identifier, err)
	}
}

func fileIDs(set *content.ContentSet) []string {
	ids := make([]string, 0, len(set.Files))
	for _, f := range set.Files {
		ids = append(ids, f.ID)
	}
	return ids
}

func dedupeRecipients(recipients []string) []string {
	seen := make(map[string]bool, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
