// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/persist"
	"github.com/lettuceai/chatcore/internal/stream"
	"github.com/lettuceai/chatcore/internal/store"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config wires the orchestrator's collaborators. Session and Character are
// accessors returning the latest state, never captured copies.
type Config struct {
	Store *store.MessageStore
	Turns backend.TurnAPI

	// Sessions handles the persistence writes saves cannot express: session
	// saves merge messages and never delete, so a regenerate's superseded
	// message is removed through DeleteMessages.
	Sessions backend.SessionAPI

	Saver     *persist.Serializer
	Bus       stream.Bus
	Session   func() *model.Session
	Character func() *model.Character

	// Batcher tunables; zero values pick the stream defaults.
	FlushInterval time.Duration
	BatchSize     int

	// OnRender fires after a stream flush mutates the store.
	OnRender func()

	// OnReasoning fires after side-channel reasoning text lands on a message.
	// Reasoning is dispatched directly, not batched.
	OnReasoning func(messageID string)

	Logger *slog.Logger
}

// Result reports the settled entities of a successful turn.
type Result struct {
	UserMessageID      string
	AssistantMessageID string
}

// Orchestrator runs send/continue/regenerate exchanges as blocking calls;
// interactive callers run them on their own goroutine and observe progress
// through the store and the OnRender callback.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	activeRequestID string
	regeneratingID  string
	abortedID       string
	streamErr       string
	lastErr         error
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: log}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Send runs one user->assistant exchange. It appends user and assistant
// placeholders, streams deltas into the assistant placeholder, and replaces
// both with backend-confirmed entities on settlement.
func (o *Orchestrator) Send(ctx context.Context, text string, atts []model.ImageAttachment) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	sess, char := o.cfg.Session(), o.cfg.Character()
	if sess == nil || char == nil {
		return nil, ErrNoSession
	}

	userPh := model.NewPlaceholderMessage(model.RoleUser, text)
	userPh.Attachments = atts
	asstPh := model.NewPlaceholderMessage(model.RoleAssistant, "")

	req := backend.TurnRequest{
		RequestID:   model.NewRequestID(),
		SessionID:   sess.ID,
		CharacterID: char.ID,
		Kind:        model.TurnSend,
		Text:        text,
		Attachments: atts,
	}
	return o.run(ctx, req, []model.StoredMessage{userPh, asstPh}, o.cfg.Turns.SendChatTurn)
}

// Continue asks the assistant to keep going without new user input.
func (o *Orchestrator) Continue(ctx context.Context) (*Result, error) {
	sess, char := o.cfg.Session(), o.cfg.Character()
	if sess == nil || char == nil {
		return nil, ErrNoSession
	}
	asstPh := model.NewPlaceholderMessage(model.RoleAssistant, "")
	req := backend.TurnRequest{
		RequestID:   model.NewRequestID(),
		SessionID:   sess.ID,
		CharacterID: char.ID,
		Kind:        model.TurnContinue,
	}
	return o.run(ctx, req, []model.StoredMessage{asstPh}, o.cfg.Turns.ContinueConversation)
}

// Regenerate re-runs the most recent assistant message. The target must be
// the newest message, assistant-authored, and not the initial scene message;
// overlapping regenerations are rejected.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID string) (*Result, error) {
	sess, char := o.cfg.Session(), o.cfg.Character()
	if sess == nil || char == nil {
		return nil, ErrNoSession
	}
	if o.RegeneratingMessageID() != "" {
		return nil, ErrRegenerationInFlight
	}
	last, ok := o.cfg.Store.Last()
	if !ok || last.ID != messageID {
		return nil, ErrNotLastMessage
	}
	if last.Role == model.RoleScene {
		return nil, ErrSceneMessage
	}
	if last.Role != model.RoleAssistant {
		return nil, ErrNotAssistantMessage
	}

	asstPh := model.NewPlaceholderMessage(model.RoleAssistant, "")
	req := backend.TurnRequest{
		RequestID:       model.NewRequestID(),
		SessionID:       sess.ID,
		CharacterID:     char.ID,
		Kind:            model.TurnRegenerate,
		TargetMessageID: messageID,
	}
	return o.run(ctx, req, []model.StoredMessage{asstPh}, o.cfg.Turns.RegenerateAssistantMessage)
}

// =============================================================================
// TURN STATE MACHINE
// =============================================================================

type turnCall func(context.Context, backend.TurnRequest) (*backend.TurnResult, error)

// run executes one exchange: append placeholders, subscribe before calling,
// stream, settle, persist. Teardown of the batcher and subscription is
// unconditional and happens exactly once on every path.
func (o *Orchestrator) run(ctx context.Context, req backend.TurnRequest, placeholders []model.StoredMessage, call turnCall) (*Result, error) {
	if err := o.begin(req); err != nil {
		return nil, err
	}

	phIDs := make([]string, len(placeholders))
	for i := range placeholders {
		phIDs[i] = placeholders[i].ID
	}
	asstPhID := phIDs[len(phIDs)-1]
	o.cfg.Store.Append(placeholders...)

	// Subscribe before issuing the backend call so early deltas are never
	// lost.
	sub, err := o.cfg.Bus.Subscribe(stream.Topic(req.RequestID))
	if err != nil {
		o.cfg.Store.Remove(phIDs...)
		o.setError(err)
		o.finish(req.RequestID)
		return nil, fmt.Errorf("subscribe %s: %w", req.RequestID, err)
	}

	batcher := stream.NewBatcher(o.cfg.FlushInterval, o.cfg.BatchSize, o.applyFrame)
	consumerDone := make(chan struct{})
	go o.consume(sub, batcher, asstPhID, consumerDone)

	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			sub.Close()
			<-consumerDone
			batcher.Cancel()
		})
	}
	defer teardown()

	res, err := call(ctx, req)
	if err != nil {
		teardown()
		if o.wasAborted(req.RequestID) {
			// Abort already reconciled and persisted; nothing to roll back.
			return nil, ErrTurnAborted
		}
		// Drop only the assistant placeholder; user content already sent
		// stays visible for retry.
		o.cfg.Store.Remove(asstPhID)
		o.setError(err)
		o.finish(req.RequestID)
		return nil, fmt.Errorf("turn %s: %w", req.Kind, err)
	}
	teardown()

	if o.wasAborted(req.RequestID) {
		// Natural completion raced a just-finished abort. The abort's
		// reconciliation already promoted the partial placeholder and saved;
		// the last writer through the serializer wins.
		return nil, ErrTurnAborted
	}

	result := o.settle(req, phIDs, res)

	// Settlement only drops a regenerate's superseded message from the local
	// store; saves merge and never delete, so the row must be removed
	// explicitly. Queueing the delete keeps it behind any earlier save whose
	// snapshot still carries the message.
	var persistErr error
	if req.Kind == model.TurnRegenerate && req.TargetMessageID != "" {
		persistErr = o.cfg.Saver.Do(ctx, req.SessionID, func(ctx context.Context) error {
			return o.cfg.Sessions.DeleteMessages(ctx, req.SessionID, []string{req.TargetMessageID})
		})
	}
	if persistErr == nil {
		persistErr = o.cfg.Saver.Save(ctx, o.cfg.Store.SessionForSave(o.cfg.Session()))
	}
	o.finish(req.RequestID)
	if persistErr != nil {
		o.setError(persistErr)
		return result, persistErr
	}
	o.notifyRender()
	return result, nil
}

// settle replaces every placeholder with its backend-confirmed entity,
// matched by the placeholder ID the caller tracked. For a regenerate the
// superseded target message is removed; the confirmed replacement carries the
// prior content as a variant.
func (o *Orchestrator) settle(req backend.TurnRequest, phIDs []string, res *backend.TurnResult) *Result {
	if req.Kind == model.TurnRegenerate && req.TargetMessageID != "" {
		o.cfg.Store.Remove(req.TargetMessageID)
	}

	confirmed := res.Messages
	result := &Result{}

	// Pair from the end: the final confirmed message belongs to the
	// assistant placeholder; a preceding one belongs to the user placeholder.
	pairs := len(phIDs)
	if len(confirmed) < pairs {
		pairs = len(confirmed)
	}
	for i := 1; i <= pairs; i++ {
		phID := phIDs[len(phIDs)-i]
		msg := confirmed[len(confirmed)-i]
		if !o.cfg.Store.Replace(phID, msg) {
			// Placeholder vanished (e.g. removed by an edit); append so the
			// confirmed entity is not lost.
			o.cfg.Store.Append(msg.Clone())
		}
		switch msg.Role {
		case model.RoleAssistant:
			result.AssistantMessageID = msg.ID
		case model.RoleUser:
			result.UserMessageID = msg.ID
		}
	}
	// Unmatched placeholders have no confirmed counterpart; drop them.
	if pairs < len(phIDs) {
		o.cfg.Store.Remove(phIDs[:len(phIDs)-pairs]...)
	}
	// Extra confirmed messages beyond the placeholders are appended as-is.
	for _, msg := range confirmed[:len(confirmed)-pairs] {
		o.cfg.Store.Append(msg.Clone())
	}
	return result
}

// =============================================================================
// STREAM CONSUMPTION
// =============================================================================

// consume routes inbound events until the subscription closes. A stream
// error event is recorded as the turn's error state but never terminates the
// subscription; malformed events were already dropped by the transport.
func (o *Orchestrator) consume(sub *stream.Subscription, batcher *stream.Batcher, asstPhID string, done chan<- struct{}) {
	defer close(done)
	for ev := range sub.C {
		switch ev.Type {
		case stream.EventDelta:
			id := ev.MessageID
			if id == "" {
				id = asstPhID
			}
			batcher.Update(id, ev.Text)
		case stream.EventReasoning:
			if o.cfg.Store.Update(asstPhID, func(m *model.StoredMessage) {
				m.Reasoning += ev.Text
			}) && o.cfg.OnReasoning != nil {
				o.cfg.OnReasoning(asstPhID)
			}
		case stream.EventError:
			o.setStreamError(ev.Err)
		}
	}
}

// applyFrame lands one batched flush on the store. Updates for messages that
// no longer exist are no-ops: the store only ever applies to latest state.
func (o *Orchestrator) applyFrame(frame []stream.Flushed) {
	changed := false
	for _, f := range frame {
		if o.cfg.Store.Update(f.MessageID, func(m *model.StoredMessage) {
			m.Content += f.Text
		}) {
			changed = true
		}
	}
	if changed {
		o.notifyRender()
	}
}

func (o *Orchestrator) notifyRender() {
	if o.cfg.OnRender != nil {
		o.cfg.OnRender()
	}
}

// =============================================================================
// TURN STATE
// =============================================================================

// begin claims the single in-flight turn slot.
func (o *Orchestrator) begin(req backend.TurnRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeRequestID != "" {
		return ErrTurnInFlight
	}
	o.activeRequestID = req.RequestID
	o.streamErr = ""
	o.lastErr = nil
	if req.Kind == model.TurnRegenerate {
		o.regeneratingID = req.TargetMessageID
	}
	return nil
}

// finish clears the in-flight flags if reqID still owns them. Called on every
// completion path, abort included, so the UI can never be stuck believing a
// turn is still running.
func (o *Orchestrator) finish(reqID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeRequestID == reqID {
		o.activeRequestID = ""
		o.regeneratingID = ""
	}
}

// Sending reports whether a turn is in flight.
func (o *Orchestrator) Sending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeRequestID != ""
}

// ActiveRequestID returns the in-flight request ID, or "".
func (o *Orchestrator) ActiveRequestID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeRequestID
}

// RegeneratingMessageID returns the message being regenerated, or "".
func (o *Orchestrator) RegeneratingMessageID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.regeneratingID
}

// LastError returns the most recent turn or stream error message, "" if none.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastErr != nil {
		return o.lastErr.Error()
	}
	return o.streamErr
}

func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err
}

func (o *Orchestrator) setStreamError(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streamErr = msg
}

func (o *Orchestrator) markAborted(reqID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abortedID = reqID
}

func (o *Orchestrator) wasAborted(reqID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abortedID == reqID
}
