package chat

// Package chat is the facade the presentation layer talks to. The
// orchestrator composes the conversation directory, the streaming session
// controller and the reconciliation layer, and refreshes directory
// metadata from the authoritative store when a turn completes.

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/askdeck/askdeck/pkg/directory"
	"github.com/askdeck/askdeck/pkg/events"
	"github.com/askdeck/askdeck/pkg/generation"
	"github.com/askdeck/askdeck/pkg/reconcile"
	"github.com/askdeck/askdeck/pkg/session"
	"github.com/askdeck/askdeck/pkg/store"
	"github.com/askdeck/askdeck/pkg/timeline"
)

var (
	// ErrSessionActive is a defended invariant, not an exceptional
	// condition. The UI is expected to disable send controls while a
	// session runs, but the orchestrator rejects regardless.
	ErrSessionActive        = errors.New("a streaming session is already active")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNothingToRegenerate  = errors.New("conversation has no user turn to regenerate")
)

const storeRefreshTimeout = 10 * time.Second

// Notifier receives the orchestrator's UI-facing side effects. All methods
// may be called from the streaming goroutine.
type Notifier interface {
	TimelineUpdated(conversationID string, focus bool)
	DirectoryUpdated()
	SessionFailed(conversationID string, errorMessage string)
}

type NullNotifier struct{}

var _ Notifier = (*NullNotifier)(nil)

func (NullNotifier) TimelineUpdated(string, bool) {}
func (NullNotifier) DirectoryUpdated()            {}
func (NullNotifier) SessionFailed(string, string) {}

type Orchestrator struct {
	store      store.ConversationStore
	controller *session.Controller
	reconciler *reconcile.Reconciler
	directory  *directory.Directory

	tenantID string
	notifier Notifier

	mu sync.Mutex
	// draftPending is set while a turn streams against no conversation,
	// so completion can activate the backend-assigned conversation.
	draftPending bool
}

type Option func(*Orchestrator, *controllerConfig)

type controllerConfig struct {
	sinks       []events.EventSink
	idleTimeout time.Duration
}

func WithTenantID(tenantID string) Option {
	return func(o *Orchestrator, _ *controllerConfig) {
		o.tenantID = tenantID
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator, _ *controllerConfig) {
		o.notifier = n
	}
}

// WithEventSinks adds sinks beyond the reconciler, e.g. a watermill sink
// feeding an event router.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(_ *Orchestrator, cfg *controllerConfig) {
		cfg.sinks = append(cfg.sinks, sinks...)
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(_ *Orchestrator, cfg *controllerConfig) {
		cfg.idleTimeout = d
	}
}

func NewOrchestrator(conversationStore store.ConversationStore, client generation.Client, options ...Option) *Orchestrator {
	ret := &Orchestrator{
		store:     conversationStore,
		directory: directory.NewDirectory(),
		notifier:  NullNotifier{},
	}

	cfg := &controllerConfig{}
	for _, option := range options {
		option(ret, cfg)
	}

	ret.reconciler = reconcile.NewReconciler(reconcile.WithNotifier(&reconcilerBridge{o: ret}))

	controllerOptions := []session.ControllerOption{
		session.WithTenantID(ret.tenantID),
		// the reconciler must observe events before any other sink so
		// external consumers always see already-reconciled state
		session.WithEventSinks(append([]events.EventSink{ret.reconciler}, cfg.sinks...)...),
	}
	if cfg.idleTimeout > 0 {
		controllerOptions = append(controllerOptions, session.WithIdleTimeout(cfg.idleTimeout))
	}
	ret.controller = session.NewController(client, controllerOptions...)

	return ret
}

// Init loads the tenant's conversation list from the store. The
// orchestrator is usable before Init, but the directory is empty.
func (o *Orchestrator) Init(ctx context.Context) error {
	conversations, err := o.store.List(ctx, o.tenantID)
	if err != nil {
		return errors.Wrap(err, "failed to load conversation list")
	}
	o.directory.SetAll(conversations)

	log.Debug().Str("tenant_id", o.tenantID).Int("conversations", len(conversations)).Msg("orchestrator initialized")
	return nil
}

// Teardown stops any in-flight session and clears in-memory state, e.g. on
// logout.
func (o *Orchestrator) Teardown() {
	if err := o.controller.Stop(); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		log.Warn().Err(err).Msg("failed to stop session during teardown")
	}
	if h := o.controller.Active(); h != nil {
		h.Wait()
	}
	o.directory.SetAll(nil)
	o.directory.SetActive("")
	o.reconciler.SetActive("")

	o.mu.Lock()
	o.draftPending = false
	o.mu.Unlock()
}

// SendMessage sends question against the active conversation, or starts a
// draft conversation when none is active. Rejected with ErrSessionActive
// while a session is in flight; the rejection mutates nothing.
func (o *Orchestrator) SendMessage(ctx context.Context, question string, opts generation.Options) (*session.Handle, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question is empty")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	conversationID := o.directory.ActiveID()
	handle, started := o.controller.Send(ctx, question, opts, conversationID)
	if !started {
		return handle, ErrSessionActive
	}
	if conversationID == reconcile.DraftConversationID {
		o.draftPending = true
	}
	return handle, nil
}

// Regenerate reruns the active conversation's last user question,
// replacing the most recent assistant answer.
func (o *Orchestrator) Regenerate(ctx context.Context, opts generation.Options) (*session.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// the single-session constraint outranks the conversation checks, a
	// rejection must hand back the in-flight handle even during a draft
	// send with no active conversation
	if h := o.controller.Active(); h != nil {
		return h, ErrSessionActive
	}

	conversationID := o.directory.ActiveID()
	if conversationID == "" {
		return nil, ErrNoActiveConversation
	}

	var lastQuestion string
	for _, m := range o.reconciler.Messages(conversationID) {
		if m.Role == timeline.RoleUser {
			lastQuestion = m.Content
		}
	}
	if lastQuestion == "" {
		return nil, ErrNothingToRegenerate
	}

	handle, started := o.controller.Regenerate(ctx, lastQuestion, opts, conversationID)
	if !started {
		return handle, ErrSessionActive
	}
	return handle, nil
}

// Stop cancels the in-flight session, keeping its partial answer.
func (o *Orchestrator) Stop() error {
	return o.controller.Stop()
}

// SelectConversation makes id the active conversation. The switch itself
// is purely local; messages are fetched lazily on first activation. A
// session already streaming into another conversation keeps running.
func (o *Orchestrator) SelectConversation(ctx context.Context, id string) error {
	o.directory.SetActive(id)
	o.reconciler.SetActive(id)

	if id == "" || o.reconciler.Loaded(id) {
		o.notifier.TimelineUpdated(id, true)
		return nil
	}

	messages, err := o.store.GetMessages(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to load messages for conversation %s", id)
	}
	o.reconciler.Load(id, messages)
	o.notifier.TimelineUpdated(id, true)
	return nil
}

// CreateConversation switches to the draft conversation. The backend
// assigns a real id on the first completed turn.
func (o *Orchestrator) CreateConversation() {
	_ = o.SelectConversation(context.Background(), "")
}

// RenameConversation renames via the store first; the local directory is
// only touched after the store confirmed.
func (o *Orchestrator) RenameConversation(ctx context.Context, id string, title string) error {
	if err := o.store.Rename(ctx, id, title); err != nil {
		return errors.Wrapf(err, "failed to rename conversation %s", id)
	}
	if c, ok := o.directory.Get(id); ok {
		c.Title = title
		c.UpdatedAt = time.Now()
		o.directory.Upsert(c)
	}
	o.notifier.DirectoryUpdated()
	return nil
}

// DeleteConversation deletes via the store first. Deleting the active
// conversation clears the active selection and its timeline.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "failed to delete conversation %s", id)
	}
	wasActive := o.directory.Remove(id)
	o.reconciler.Drop(id)
	if wasActive {
		o.reconciler.SetActive("")
		o.notifier.TimelineUpdated("", true)
	}
	o.notifier.DirectoryUpdated()
	return nil
}

// VisibleTimeline returns the messages of the active conversation, or of
// the draft when none is active.
func (o *Orchestrator) VisibleTimeline() []*timeline.Message {
	return o.reconciler.Messages(o.directory.ActiveID())
}

// Conversations returns the directory listing, most recently updated
// first.
func (o *Orchestrator) Conversations() []directory.Conversation {
	return o.directory.List()
}

func (o *Orchestrator) ActiveConversationID() string {
	return o.directory.ActiveID()
}

// SessionSnapshot returns the in-flight session's state, false when idle.
func (o *Orchestrator) SessionSnapshot() (session.Snapshot, bool) {
	h := o.controller.Active()
	if h == nil {
		return session.Snapshot{}, false
	}
	return h.Snapshot(), true
}

func (o *Orchestrator) IsStreaming() bool {
	return o.controller.IsRunning()
}

// reconcilerBridge adapts the reconciler's notifications onto the
// orchestrator, which owns the directory refresh that follows a completed
// turn.
type reconcilerBridge struct {
	o *Orchestrator
}

var _ reconcile.Notifier = (*reconcilerBridge)(nil)

func (b *reconcilerBridge) TimelineUpdated(conversationID string, focus bool) {
	b.o.notifier.TimelineUpdated(conversationID, focus)
}

func (b *reconcilerBridge) TurnCompleted(conversationID string) {
	b.o.onTurnCompleted(conversationID)
}

func (b *reconcilerBridge) TurnFailed(conversationID string, errorMessage string) {
	b.o.mu.Lock()
	b.o.draftPending = false
	b.o.mu.Unlock()
	b.o.notifier.SessionFailed(conversationID, errorMessage)
}

// onTurnCompleted refreshes the completed conversation's directory entry
// from the store and, when the turn created the conversation, makes it
// active unless the user switched away mid-stream.
func (o *Orchestrator) onTurnCompleted(conversationID string) {
	o.mu.Lock()
	draft := o.draftPending
	o.draftPending = false
	o.mu.Unlock()

	if draft && o.directory.ActiveID() == reconcile.DraftConversationID {
		o.directory.SetActive(conversationID)
		o.reconciler.SetActive(conversationID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeRefreshTimeout)
	defer cancel()

	// stores with a local copy (sqlite in the CLI) persist the finished
	// exchange before the metadata refresh reads it back
	if saver, ok := o.store.(store.TurnSaver); ok {
		messages := o.reconciler.Messages(conversationID)
		title := o.synthesizeEntry(conversationID).Title
		if err := saver.SaveTurn(ctx, o.tenantID, conversationID, title, messages...); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to persist turn")
		}
	}

	c, err := o.store.Get(ctx, conversationID)
	switch {
	case err == nil:
		o.directory.Upsert(c)
	case errors.Is(err, store.ErrConversationNotFound):
		// the store has not caught up with a freshly assigned
		// conversation, synthesize an entry from local state
		o.directory.Upsert(o.synthesizeEntry(conversationID))
	default:
		// directory stays at its last known-good state
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to refresh conversation metadata")
	}

	o.notifier.DirectoryUpdated()
}

func (o *Orchestrator) synthesizeEntry(conversationID string) directory.Conversation {
	messages := o.reconciler.Messages(conversationID)
	title := "New conversation"
	for _, m := range messages {
		if m.Role == timeline.RoleUser {
			title = truncateTitle(m.Content)
			break
		}
	}
	now := time.Now()
	return directory.Conversation{
		ID:           conversationID,
		Title:        title,
		MessageCount: len(messages),
		UpdatedAt:    now,
		CreatedAt:    now,
	}
}

func truncateTitle(s string) string {
	const maxTitleLength = 80
	s = strings.TrimSpace(s)
	if len(s) <= maxTitleLength {
		return s
	}
	return strings.TrimSpace(s[:maxTitleLength]) + "..."
}
