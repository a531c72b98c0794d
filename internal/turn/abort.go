// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

import (
	"context"
	"errors"
	"strings"
)

// =============================================================================
// ABORT
// =============================================================================

// Abort cancels the in-flight turn. It asks the backend to stop and then
// reconciles local state regardless of whether that call succeeded: every
// placeholder with non-empty content is promoted to a permanent message,
// every empty placeholder is dropped, the trimmed list is persisted, and the
// in-flight flags are cleared on every code path, the abort call's error path
// included.
func (o *Orchestrator) Abort(ctx context.Context) error {
	o.mu.Lock()
	reqID := o.activeRequestID
	o.mu.Unlock()
	if reqID == "" {
		return ErrNoActiveTurn
	}
	o.markAborted(reqID)
	defer o.finish(reqID)

	abortErr := o.cfg.Turns.AbortMessage(ctx, reqID)
	if abortErr != nil {
		o.log.Warn("backend abort failed, reconciling locally anyway",
			"request_id", reqID, "error", abortErr)
	}

	promoted, dropped := o.reconcilePlaceholders()
	o.log.Info("turn aborted",
		"request_id", reqID, "promoted", promoted, "dropped", dropped)

	// The abort's save must not be cancelled by the same context that was
	// cancelled to stop the turn.
	saveErr := o.cfg.Saver.Save(context.WithoutCancel(ctx),
		o.cfg.Store.SessionForSave(o.cfg.Session()))
	o.notifyRender()
	return errors.Join(abortErr, saveErr)
}

// reconcilePlaceholders promotes non-empty placeholders to permanent IDs and
// drops empty ones. Placeholders already replaced by confirmed entities are
// simply absent and left untouched.
func (o *Orchestrator) reconcilePlaceholders() (promoted, dropped int) {
	for _, m := range o.cfg.Store.Snapshot() {
		if !m.IsPlaceholder() {
			continue
		}
		if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
			o.cfg.Store.Remove(m.ID)
			dropped++
			continue
		}
		if o.cfg.Store.Promote(m.ID) != "" {
			promoted++
		}
	}
	return promoted, dropped
}
