// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/imagegen"
	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/persist"
	"github.com/lettuceai/chatcore/internal/store"
	"github.com/lettuceai/chatcore/internal/stream"
	"github.com/lettuceai/chatcore/internal/turn"
	"github.com/lettuceai/chatcore/internal/variant"
)

// =============================================================================
// CONTROLLER
// =============================================================================

// Config wires the controller's boundaries and tunables.
type Config struct {
	Sessions backend.SessionAPI
	Turns    backend.TurnAPI
	Images   backend.ImageAPI
	Bus      stream.Bus

	PageSize      int
	FlushInterval time.Duration
	BatchSize     int

	// ImageRate paces image generation; nil means unlimited.
	ImageRate *rate.Limiter

	// Confirm gates destructive actions. Nil auto-confirms.
	Confirm func(prompt string) bool

	// OnRender fires whenever visible chat state changes.
	OnRender func()

	// OnReasoning fires when side-channel reasoning text lands.
	OnReasoning func(messageID string)

	Logger *slog.Logger
}

// Controller drives one open session at a time.
type Controller struct {
	cfg   Config
	log   *slog.Logger
	saver *persist.Serializer

	mu        sync.Mutex
	session   *model.Session
	character *model.Character
	msgs      *store.MessageStore
	orch      *turn.Orchestrator
	variants  *variant.Manager
	images    *imagegen.Processor
}

// New creates a controller. Open or StartSession must be called before any
// chat action.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:   cfg,
		log:   log,
		saver: persist.NewSerializer(cfg.Sessions, log),
	}
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// Open loads an existing session: its metadata plus the most recent message
// page; older history loads lazily through LoadOlderMessages.
func (c *Controller) Open(ctx context.Context, sessionID string, char *model.Character) error {
	if char == nil {
		return ErrNoSession
	}
	meta, err := c.cfg.Sessions.GetSessionMeta(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	page, err := c.cfg.Sessions.PageMessages(ctx, sessionID, "", c.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	msgs := store.New(c.cfg.Sessions, sessionID, c.cfg.PageSize)
	msgs.Reset(page.Messages, page.NextCursor, page.HasMore)

	c.mu.Lock()
	c.session = meta
	c.character = char
	c.msgs = msgs
	c.mu.Unlock()
	c.wire()
	c.notify()
	return nil
}

// StartSession creates and opens a fresh session for a character. When the
// character has scenes, the session opens with the initial scene message and
// the first scene active.
func (c *Controller) StartSession(ctx context.Context, char *model.Character) (*model.Session, error) {
	if char == nil {
		return nil, ErrNoSession
	}
	sess := model.NewSession(char.ID, char.Name)
	if len(char.Scenes) > 0 {
		sess.SelectedSceneID = char.Scenes[0].ID
		sess.Messages = []model.StoredMessage{{
			ID:        model.NewMessageID(),
			Role:      model.RoleScene,
			Content:   char.Scenes[0].Content,
			CreatedAt: time.Now().UTC(),
		}}
	}
	if err := c.cfg.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	msgs := store.New(c.cfg.Sessions, sess.ID, c.cfg.PageSize)
	msgs.Reset(sess.Messages, "", false)

	c.mu.Lock()
	c.session = sess
	c.character = char
	c.msgs = msgs
	c.mu.Unlock()
	c.wire()
	c.notify()
	return sess, nil
}

// wire rebuilds the per-session components around the current store.
func (c *Controller) wire() {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()

	orch := turn.New(turn.Config{
		Store:         msgs,
		Turns:         c.cfg.Turns,
		Sessions:      c.cfg.Sessions,
		Saver:         c.saver,
		Bus:           c.cfg.Bus,
		Session:       c.currentSession,
		Character:     c.currentCharacter,
		FlushInterval: c.cfg.FlushInterval,
		BatchSize:     c.cfg.BatchSize,
		OnRender:      c.notify,
		OnReasoning:   c.cfg.OnReasoning,
		Logger:        c.log,
	})
	variants := variant.New(variant.Config{
		Store:        msgs,
		Sessions:     c.cfg.Sessions,
		Saver:        c.saver,
		Session:      c.currentSession,
		Character:    c.currentCharacter,
		Regenerating: func() bool { return orch.RegeneratingMessageID() != "" },
		Confirm:      c.confirm,
		Logger:       c.log,
	})
	images := imagegen.New(imagegen.Config{
		Store:     msgs,
		Images:    c.cfg.Images,
		Saver:     c.saver,
		Session:   c.currentSession,
		RateLimit: c.cfg.ImageRate,
		Logger:    c.log,
	})

	c.mu.Lock()
	c.orch = orch
	c.variants = variants
	c.images = images
	c.mu.Unlock()
}

// =============================================================================
// STATE
// =============================================================================

// Session returns the current session state (without rebuilding messages).
func (c *Controller) Session() *model.Session {
	return c.currentSession()
}

// Character returns the current character.
func (c *Controller) Character() *model.Character {
	return c.currentCharacter()
}

// Messages returns a snapshot of the loaded message window.
func (c *Controller) Messages() []model.StoredMessage {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()
	if msgs == nil {
		return nil
	}
	return msgs.Snapshot()
}

// Sending reports whether a turn is in flight.
func (c *Controller) Sending() bool {
	o := c.orchestrator()
	return o != nil && o.Sending()
}

// ActiveRequestID returns the in-flight request ID, or "".
func (c *Controller) ActiveRequestID() string {
	o := c.orchestrator()
	if o == nil {
		return ""
	}
	return o.ActiveRequestID()
}

// RegeneratingMessageID returns the message being regenerated, or "".
func (c *Controller) RegeneratingMessageID() string {
	o := c.orchestrator()
	if o == nil {
		return ""
	}
	return o.RegeneratingMessageID()
}

// LastError returns the visible turn error string, "" if none.
func (c *Controller) LastError() string {
	o := c.orchestrator()
	if o == nil {
		return ""
	}
	return o.LastError()
}

// HasOlderMessages reports whether older history remains unloaded.
func (c *Controller) HasOlderMessages() bool {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()
	return msgs != nil && msgs.HasMore()
}

// ListSessions returns session metadata ordered by last activity.
func (c *Controller) ListSessions(ctx context.Context) ([]model.SessionMeta, error) {
	return c.cfg.Sessions.ListSessions(ctx)
}

// =============================================================================
// TURN ACTIONS
// =============================================================================

// SendMessage runs one exchange, then post-processes the finalized assistant
// message for image directives.
func (c *Controller) SendMessage(ctx context.Context, text string, atts []model.ImageAttachment) error {
	o := c.orchestrator()
	if o == nil {
		return ErrNoSession
	}
	res, err := o.Send(ctx, text, atts)
	if err != nil {
		return err
	}
	return c.postProcess(ctx, res)
}

// ContinueTurn asks the assistant to keep going.
func (c *Controller) ContinueTurn(ctx context.Context) error {
	o := c.orchestrator()
	if o == nil {
		return ErrNoSession
	}
	res, err := o.Continue(ctx)
	if err != nil {
		return err
	}
	return c.postProcess(ctx, res)
}

// RegenerateMessage re-runs the most recent assistant message.
func (c *Controller) RegenerateMessage(ctx context.Context, messageID string) error {
	o := c.orchestrator()
	if o == nil {
		return ErrNoSession
	}
	res, err := o.Regenerate(ctx, messageID)
	if err != nil {
		return err
	}
	return c.postProcess(ctx, res)
}

// AbortTurn cancels the in-flight turn and reconciles partial output.
func (c *Controller) AbortTurn(ctx context.Context) error {
	o := c.orchestrator()
	if o == nil {
		return ErrNoSession
	}
	return o.Abort(ctx)
}

func (c *Controller) postProcess(ctx context.Context, res *turn.Result) error {
	c.mu.Lock()
	images := c.images
	c.mu.Unlock()
	c.notify()
	if images == nil || res == nil || res.AssistantMessageID == "" {
		return nil
	}
	return images.Process(ctx, res.AssistantMessageID)
}

// =============================================================================
// MESSAGE ACTIONS
// =============================================================================

// EditMessage replaces a message's content. Empty edits are rejected.
func (c *Controller) EditMessage(ctx context.Context, messageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyEdit
	}
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()
	if msgs == nil {
		return ErrNoSession
	}
	if !msgs.Update(messageID, func(m *model.StoredMessage) {
		m.Content = content
	}) {
		return backend.ErrMessageNotFound
	}
	c.notify()
	return c.save(ctx)
}

// DeleteMessage removes one message after confirmation. Deleting a pinned
// message is outright blocked, not merely warned.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	msgs := c.msgs
	sess := c.session
	c.mu.Unlock()
	if msgs == nil || sess == nil {
		return ErrNoSession
	}
	msg, ok := msgs.Get(messageID)
	if !ok {
		return backend.ErrMessageNotFound
	}
	if msg.Pinned {
		return ErrPinnedMessage
	}
	if !c.confirm("Delete this message?") {
		return ErrCancelled
	}
	msgs.Remove(messageID)
	c.notify()
	if err := c.deleteRows(ctx, sess.ID, []string{messageID}); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// RewindToMessage deletes every message after the given one. The rewind is
// outright blocked when it would skip over a pinned message; nothing is
// mutated in that case.
func (c *Controller) RewindToMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	msgs := c.msgs
	sess := c.session
	c.mu.Unlock()
	if msgs == nil || sess == nil {
		return ErrNoSession
	}
	snapshot := msgs.Snapshot()
	cut := -1
	for i := range snapshot {
		if snapshot[i].ID == messageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return backend.ErrMessageNotFound
	}
	var doomed []string
	for _, m := range snapshot[cut+1:] {
		if m.Pinned {
			return ErrPinnedMessage
		}
		doomed = append(doomed, m.ID)
	}
	if len(doomed) == 0 {
		return nil
	}
	if !c.confirm(fmt.Sprintf("Rewind here, deleting %d later messages?", len(doomed))) {
		return ErrCancelled
	}
	msgs.Remove(doomed...)
	c.notify()
	if err := c.deleteRows(ctx, sess.ID, doomed); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	return nil
}

// TogglePin flips one message's pin flag.
func (c *Controller) TogglePin(ctx context.Context, messageID string) error {
	c.mu.Lock()
	msgs := c.msgs
	sess := c.session
	c.mu.Unlock()
	if msgs == nil || sess == nil {
		return ErrNoSession
	}
	pinned := false
	if !msgs.Update(messageID, func(m *model.StoredMessage) {
		m.Pinned = !m.Pinned
		pinned = m.Pinned
	}) {
		return backend.ErrMessageNotFound
	}
	c.notify()
	// Queued behind the session's writes: an earlier save's snapshot may
	// predate the toggle and would otherwise overwrite the row afterwards.
	err := c.saver.Do(ctx, sess.ID, func(ctx context.Context) error {
		return c.cfg.Sessions.SetMessagePinned(ctx, sess.ID, messageID, pinned)
	})
	if err != nil {
		return fmt.Errorf("toggle pin: %w", err)
	}
	return nil
}

// LoadOlderMessages pulls one older page into the window. Returns the number
// of messages added.
func (c *Controller) LoadOlderMessages(ctx context.Context) (int, error) {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()
	if msgs == nil {
		return 0, ErrNoSession
	}
	n, err := msgs.LoadOlder(ctx)
	if n > 0 {
		c.notify()
	}
	return n, err
}

// =============================================================================
// VARIANT / BRANCH ACTIONS
// =============================================================================

// VariantStateFor returns the swipeable alternatives of a message.
func (c *Controller) VariantStateFor(messageID string) (variant.State, error) {
	c.mu.Lock()
	msgs := c.msgs
	variants := c.variants
	c.mu.Unlock()
	if msgs == nil || variants == nil {
		return variant.State{}, ErrNoSession
	}
	msg, ok := msgs.Get(messageID)
	if !ok {
		return variant.State{}, backend.ErrMessageNotFound
	}
	return variants.StateFor(&msg), nil
}

// SwipeVariant steps a message's selection left or right.
func (c *Controller) SwipeVariant(ctx context.Context, messageID string, direction int) error {
	c.mu.Lock()
	variants := c.variants
	c.mu.Unlock()
	if variants == nil {
		return ErrNoSession
	}
	err := variants.Swipe(ctx, messageID, direction)
	c.notify()
	return err
}

// SelectVariant applies one variant's snapshot as the visible content.
func (c *Controller) SelectVariant(ctx context.Context, messageID, variantID string) error {
	c.mu.Lock()
	variants := c.variants
	c.mu.Unlock()
	if variants == nil {
		return ErrNoSession
	}
	err := variants.ApplySelection(ctx, messageID, variantID)
	c.notify()
	return err
}

// BranchFromMessage forks a new session at a message. The controller stays on
// the current session; callers Open the returned one to switch.
func (c *Controller) BranchFromMessage(ctx context.Context, messageID string) (*model.Session, error) {
	c.mu.Lock()
	variants := c.variants
	c.mu.Unlock()
	if variants == nil {
		return nil, ErrNoSession
	}
	return variants.BranchFromMessage(ctx, messageID)
}

// BranchToCharacter forks a new session at a message under another character.
func (c *Controller) BranchToCharacter(ctx context.Context, messageID string, target *model.Character) (*model.Session, error) {
	c.mu.Lock()
	variants := c.variants
	c.mu.Unlock()
	if variants == nil {
		return nil, ErrNoSession
	}
	return variants.BranchToCharacter(ctx, messageID, target)
}

// =============================================================================
// SESSION FLAGS
// =============================================================================

// ToggleSessionPinned flips the session's pin flag and persists.
func (c *Controller) ToggleSessionPinned(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.session.Pinned = !c.session.Pinned
	c.mu.Unlock()
	return c.save(ctx)
}

// ToggleSessionArchived flips the session's archive flag and persists.
func (c *Controller) ToggleSessionArchived(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	c.session.Archived = !c.session.Archived
	c.mu.Unlock()
	return c.save(ctx)
}

// =============================================================================
// INTERNAL
// =============================================================================

func (c *Controller) currentSession() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) currentCharacter() *model.Character {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.character
}

func (c *Controller) orchestrator() *turn.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orch
}

func (c *Controller) confirm(prompt string) bool {
	if c.cfg.Confirm == nil {
		return true
	}
	return c.cfg.Confirm(prompt)
}

func (c *Controller) notify() {
	if c.cfg.OnRender != nil {
		c.cfg.OnRender()
	}
}

func (c *Controller) save(ctx context.Context) error {
	c.mu.Lock()
	msgs := c.msgs
	sess := c.session
	c.mu.Unlock()
	if msgs == nil || sess == nil {
		return ErrNoSession
	}
	return c.saver.Save(ctx, msgs.SessionForSave(sess))
}

// deleteRows removes message rows behind the session's write queue. Session
// saves merge and never delete, so a row delete racing an earlier queued save
// would be resurrected by the save's stale snapshot.
func (c *Controller) deleteRows(ctx context.Context, sessionID string, ids []string) error {
	return c.saver.Do(ctx, sessionID, func(ctx context.Context) error {
		return c.cfg.Sessions.DeleteMessages(ctx, sessionID, ids)
	})
}

// =============================================================================
// ERRORS
// =============================================================================

// ActionError represents a controller-level validation failure.
type ActionError struct {
	Message string
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *ActionError) Is(target error) bool {
	t, ok := target.(*ActionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrNoSession is returned before a session is open.
	ErrNoSession = &ActionError{Message: "no session is open"}

	// ErrEmptyEdit rejects editing a message to empty content.
	ErrEmptyEdit = &ActionError{Message: "edited content is empty"}

	// ErrPinnedMessage blocks deletion or rewind affecting a pinned message.
	ErrPinnedMessage = &ActionError{Message: "blocked by a pinned message"}

	// ErrCancelled is returned when the user declines the confirmation.
	ErrCancelled = &ActionError{Message: "cancelled"}
)
