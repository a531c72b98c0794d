// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/persist"
	"github.com/lettuceai/chatcore/internal/store"
)

// =============================================================================
// DIRECTIVES
// =============================================================================

// MaxImagesPerDirective bounds how many slots one directive may request.
const MaxImagesPerDirective = 4

// directivePattern matches <<image:{...}>> with a lazy body so multiple
// directives in one message match separately.
var directivePattern = regexp.MustCompile(`(?s)<<image:(\{.*?\})>>`)

// Directive is one embedded generation request.
type Directive struct {
	Prompt        string `json:"prompt"`
	Count         int    `json:"count,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Model         string `json:"model,omitempty"`
	Provider      string `json:"provider,omitempty"`
	CredentialRef string `json:"credential,omitempty"`
}

// images returns the bounded slot count for the directive.
func (d *Directive) images() int {
	n := d.Count
	if n <= 0 {
		n = 1
	}
	if n > MaxImagesPerDirective {
		n = MaxImagesPerDirective
	}
	return n
}

// ParseDirectives extracts well-formed directives from content and returns
// them with the stripped visible text. A directive with malformed JSON is
// stripped and skipped rather than failing the scan.
func ParseDirectives(content string) ([]Directive, string) {
	matches := directivePattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, content
	}
	var directives []Directive
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(content[last:m[0]])
		last = m[1]
		var d Directive
		if err := json.Unmarshal([]byte(content[m[2]:m[3]]), &d); err != nil || d.Prompt == "" {
			continue
		}
		directives = append(directives, d)
	}
	sb.WriteString(content[last:])
	return directives, strings.TrimSpace(sb.String())
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Config wires the processor's collaborators.
type Config struct {
	Store   *store.MessageStore
	Images  backend.ImageAPI
	Saver   *persist.Serializer
	Session func() *model.Session

	// RateLimit paces generation calls; nil means unlimited.
	RateLimit *rate.Limiter

	Logger *slog.Logger
}

// Processor scans finalized assistant messages once, materializes pending
// attachment slots, and resolves them. A processed-message guard prevents
// re-triggering generation for a message that has already been scanned, even
// across reloads.
type Processor struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	processed map[string]struct{}
}

// New creates a directive processor.
func New(cfg Config) *Processor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:       cfg,
		log:       log,
		processed: make(map[string]struct{}),
	}
}

// Process scans one finalized assistant message. It is a no-op for messages
// that are not assistant-authored, contain no directives, or were already
// processed. Per-directive failures remove only that directive's placeholder
// slots; resolution errors never propagate as a processing failure.
func (p *Processor) Process(ctx context.Context, messageID string) error {
	msg, ok := p.cfg.Store.Get(messageID)
	if !ok || msg.Role != model.RoleAssistant {
		return nil
	}
	if !p.markProcessed(messageID, &msg) {
		return nil
	}

	directives, stripped := ParseDirectives(msg.Content)
	if len(directives) == 0 {
		if stripped != msg.Content {
			// Only malformed directives were present; persist the strip.
			p.cfg.Store.Update(messageID, func(m *model.StoredMessage) {
				m.Content = stripped
			})
			return p.save(ctx)
		}
		return nil
	}

	// One placeholder slot per requested image, bounded per directive.
	slots := make([][]string, len(directives))
	for i, d := range directives {
		for n := 0; n < d.images(); n++ {
			att := model.NewPendingAttachment()
			slots[i] = append(slots[i], att.ID)
			p.cfg.Store.Update(messageID, func(m *model.StoredMessage) {
				m.Attachments = append(m.Attachments, att)
			})
		}
	}
	p.cfg.Store.Update(messageID, func(m *model.StoredMessage) {
		m.Content = stripped
	})

	// Persist immediately so a reload shows the pending slots.
	if err := p.save(ctx); err != nil {
		return err
	}

	for i, d := range directives {
		if err := p.resolve(ctx, messageID, d, slots[i]); err != nil {
			p.log.Warn("image directive failed",
				"message_id", messageID, "prompt", d.Prompt, "error", err)
			p.cfg.Store.Update(messageID, func(m *model.StoredMessage) {
				m.Attachments = removeAttachments(m.Attachments, slots[i])
			})
			if saveErr := p.save(ctx); saveErr != nil {
				return saveErr
			}
		}
	}
	return nil
}

// resolve generates one directive's images and patches the message
// incrementally as each result lands — attachments may appear one at a time
// rather than atomically as a batch.
func (p *Processor) resolve(ctx context.Context, messageID string, d Directive, slotIDs []string) error {
	if p.cfg.RateLimit != nil {
		if err := p.cfg.RateLimit.Wait(ctx); err != nil {
			return err
		}
	}
	results, err := p.cfg.Images.GenerateImages(ctx, backend.ImageRequest{
		Prompt:        d.Prompt,
		Model:         d.Model,
		Provider:      d.Provider,
		CredentialRef: d.CredentialRef,
		Width:         d.Width,
		Height:        d.Height,
		Count:         len(slotIDs),
	})
	if err != nil {
		return fmt.Errorf("generate %q: %w", d.Prompt, err)
	}

	for i, slotID := range slotIDs {
		if i >= len(results) {
			// Fewer results than requested; drop the leftover slots.
			p.cfg.Store.Update(messageID, func(m *model.StoredMessage) {
				m.Attachments = removeAttachments(m.Attachments, slotIDs[i:])
			})
			break
		}
		res := results[i]
		p.cfg.Store.Update(messageID, func(m *model.StoredMessage) {
			for j := range m.Attachments {
				if m.Attachments[j].ID != slotID {
					continue
				}
				m.Attachments[j].Data = res.Data
				m.Attachments[j].MimeType = res.MimeType
				m.Attachments[j].Width = res.Width
				m.Attachments[j].Height = res.Height
				m.Attachments[j].Pending = false
				return
			}
		})
		if err := p.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// markProcessed records the guard entry. Returns false when the message was
// already scanned — either in this process or, detectably, before a reload
// (attachments present means a previous scan already materialized slots).
func (p *Processor) markProcessed(messageID string, msg *model.StoredMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.processed[messageID]; done {
		return false
	}
	if len(msg.Attachments) > 0 {
		p.processed[messageID] = struct{}{}
		return false
	}
	p.processed[messageID] = struct{}{}
	return true
}

func (p *Processor) save(ctx context.Context) error {
	sess := p.cfg.Session()
	if sess == nil {
		return fmt.Errorf("imagegen: no active session")
	}
	return p.cfg.Saver.Save(ctx, p.cfg.Store.SessionForSave(sess))
}

// removeAttachments filters the given IDs out of an attachment list.
func removeAttachments(atts []model.ImageAttachment, ids []string) []model.ImageAttachment {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := atts[:0]
	for _, att := range atts {
		if _, gone := drop[att.ID]; !gone {
			kept = append(kept, att)
		}
	}
	return kept
}
