// LettuceAI chatcore - terminal front door for the chat turn engine.
//
// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/backend/sqlite"
	"github.com/lettuceai/chatcore/internal/config"
	"github.com/lettuceai/chatcore/internal/controller"
	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/stream"
	"github.com/lettuceai/chatcore/internal/util"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	// Storage
	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		dbPath, err = config.DefaultDBPath()
		if err != nil {
			return err
		}
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Event bus: in-process by default, Redis pub/sub when configured
	var bus stream.Bus
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		bus = stream.NewRedisBus(client, logger)
	} else {
		bus = stream.NewMemoryBus(logger)
	}

	loop := backend.NewLoopback(bus)

	app := &app{
		cfg:    cfg,
		logger: logger,
		char:   defaultCharacter(),
	}
	app.cli = newInputCLI()
	defer app.cli.Close()

	var imageRate *rate.Limiter
	if cfg.Images.RatePerSec > 0 {
		imageRate = rate.NewLimiter(rate.Limit(cfg.Images.RatePerSec), cfg.Images.Burst)
	}

	app.ctrl = controller.New(controller.Config{
		Sessions:      store,
		Turns:         loop,
		Images:        loop,
		Bus:           bus,
		PageSize:      cfg.Store.PageSize,
		FlushInterval: time.Duration(cfg.Stream.FlushIntervalMs) * time.Millisecond,
		BatchSize:     cfg.Stream.BatchSize,
		ImageRate:     imageRate,
		Confirm:       app.confirm,
		OnRender:      app.render,
		Logger:        logger,
	})

	// Live config edits adjust the log level without a restart.
	if path, err := config.ConfigPathTOML(); err == nil {
		if w, werr := config.NewWatcher(path, 250*time.Millisecond, func(next *config.Config) {
			logger.Info("config reloaded", "level", next.Log.Level)
			setLogLevel(next.Log.Level)
		}); werr == nil {
			if w.Watch() == nil {
				defer w.Close()
			}
		}
	}

	return app.repl()
}

// =============================================================================
// LOGGING
// =============================================================================

var logLevel = new(slog.LevelVar)

func newLogger(level string) *slog.Logger {
	setLogLevel(level)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

// =============================================================================
// DEFAULT CHARACTER
// =============================================================================

// defaultCharacter is the built-in persona used until character files exist.
// Two scenes so scene swiping has something to swipe between.
func defaultCharacter() *model.Character {
	return &model.Character{
		ID:   "char_lettuce",
		Name: "Lettuce",
		Scenes: []model.Scene{
			{
				ID:      "scene_cafe",
				Title:   "The Cafe",
				Content: "You find Lettuce at a corner table, two cups already poured.",
			},
			{
				ID:      "scene_rooftop",
				Title:   "The Rooftop",
				Content: "Lettuce waves you over to the railing. The city hums below.",
			},
		},
	}
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// inputCLI provides input history and line editing for the chat REPL.
// USABILITY: Supports arrow keys for history navigation and line editing.
type inputCLI struct {
	line        *liner.State
	historyFile string
}

func newInputCLI() *inputCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &inputCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.loadHistory()
	return c
}

func (c *inputCLI) loadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// readInput reads a line of input with the given prompt.
func (c *inputCLI) readInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// saveHistory persists command history with secure permissions.
func (c *inputCLI) saveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

func (c *inputCLI) Close() {
	c.saveHistory()
	c.line.Close()
}

// =============================================================================
// APP STATE
// =============================================================================

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	ctrl   *controller.Controller
	char   *model.Character
	cli    *inputCLI

	// Streaming render state: tracks how much of the tail assistant
	// message has already been printed.
	renderMu      sync.Mutex
	renderMsgID   string
	renderPrinted int
}

// render prints newly streamed content of the tail assistant message. Called
// from the batcher's flush path, so it must be quick.
func (a *app) render() {
	if !a.ctrl.Sending() {
		return
	}
	msgs := a.ctrl.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant {
		return
	}

	a.renderMu.Lock()
	defer a.renderMu.Unlock()
	if last.ID != a.renderMsgID {
		a.renderMsgID = last.ID
		a.renderPrinted = 0
	}
	if len(last.Content) > a.renderPrinted {
		fmt.Print(last.Content[a.renderPrinted:])
		a.renderPrinted = len(last.Content)
	}
}

func (a *app) resetRender() {
	a.renderMu.Lock()
	a.renderMsgID = ""
	a.renderPrinted = 0
	a.renderMu.Unlock()
}

func (a *app) confirm(prompt string) bool {
	answer, err := a.cli.readInput(prompt + " [y/N] ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// =============================================================================
// REPL
// =============================================================================

func (a *app) repl() error {
	ctx := context.Background()

	sess, err := a.ctrl.StartSession(ctx, a.char)
	if err != nil {
		return err
	}
	fmt.Printf("chatcore %s - talking to %s (session %s)\n", Version, a.char.Name, sess.ID)
	fmt.Println("Type /help for commands, Ctrl+C to abort a streaming reply.")
	a.printScene()

	// First Ctrl+C during a stream aborts it; at the prompt liner
	// surfaces it as ErrPromptAborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if a.ctrl.Sending() {
				if err := a.ctrl.AbortTurn(context.Background()); err != nil {
					a.logger.Warn("abort failed", "error", err)
				}
				fmt.Fprintln(os.Stderr, "\n[aborted]")
			}
		}
	}()

	for {
		input, err := a.cli.readInput("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println()
				continue
			}
			// EOF (Ctrl+D) - exit gracefully
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := a.dispatch(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		a.sendTurn(ctx, input)
	}
}

func (a *app) sendTurn(ctx context.Context, text string) {
	a.resetRender()
	fmt.Printf("%s> ", a.char.Name)
	err := a.ctrl.SendMessage(ctx, text, nil)
	fmt.Println()
	if err != nil && !errors.Is(err, controller.ErrCancelled) {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) dispatch(ctx context.Context, input string) (quit bool, err error) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help", "/h":
		a.printHelp()

	case "/quit", "/q", "/exit":
		return true, nil

	case "/new":
		sess, err := a.ctrl.StartSession(ctx, a.char)
		if err != nil {
			return false, err
		}
		fmt.Printf("started session %s\n", sess.ID)
		a.printScene()

	case "/sessions":
		return false, a.listSessions(ctx)

	case "/open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <session-id>")
		}
		if err := a.ctrl.Open(ctx, args[0], a.char); err != nil {
			return false, err
		}
		a.printMessages()

	case "/messages", "/m":
		a.printMessages()

	case "/older":
		n, err := a.ctrl.LoadOlderMessages(ctx)
		if err != nil {
			return false, err
		}
		fmt.Printf("loaded %d older messages\n", n)

	case "/continue":
		a.resetRender()
		fmt.Printf("%s> ", a.char.Name)
		err := a.ctrl.ContinueTurn(ctx)
		fmt.Println()
		return false, err

	case "/regen":
		id, err := a.targetMessage(args, model.RoleAssistant)
		if err != nil {
			return false, err
		}
		a.resetRender()
		fmt.Printf("%s> ", a.char.Name)
		rerr := a.ctrl.RegenerateMessage(ctx, id)
		fmt.Println()
		return false, rerr

	case "/abort":
		return false, a.ctrl.AbortTurn(ctx)

	case "/swipe":
		return false, a.swipe(ctx, args)

	case "/variants":
		return false, a.showVariants(args)

	case "/edit":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: /edit <message-id> <new text>")
		}
		return false, a.ctrl.EditMessage(ctx, args[0], strings.Join(args[1:], " "))

	case "/delete":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /delete <message-id>")
		}
		return false, a.ctrl.DeleteMessage(ctx, args[0])

	case "/rewind":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /rewind <message-id>")
		}
		return false, a.ctrl.RewindToMessage(ctx, args[0])

	case "/pin":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /pin <message-id>")
		}
		return false, a.ctrl.TogglePin(ctx, args[0])

	case "/branch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /branch <message-id>")
		}
		sess, err := a.ctrl.BranchFromMessage(ctx, args[0])
		if err != nil {
			return false, err
		}
		fmt.Printf("branched into session %s (use /open %s to switch)\n", sess.ID, sess.ID)

	case "/archive":
		return false, a.ctrl.ToggleSessionArchived(ctx)

	case "/pin-session":
		return false, a.ctrl.ToggleSessionPinned(ctx)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (a *app) swipe(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: /swipe <left|right> [message-id]")
	}
	direction := 0
	switch args[0] {
	case "left":
		direction = -1
	case "right":
		direction = 1
	default:
		return fmt.Errorf("usage: /swipe <left|right> [message-id]")
	}
	id, err := a.targetMessage(args[1:], "")
	if err != nil {
		return err
	}
	if err := a.ctrl.SwipeVariant(ctx, id, direction); err != nil {
		return err
	}
	if msg, found := a.findMessage(id); found {
		fmt.Printf("%s: %s\n", shortID(id), util.TruncateRunes(util.FirstLine(msg.Content), 100))
	}
	return nil
}

func (a *app) showVariants(args []string) error {
	id, err := a.targetMessage(args, "")
	if err != nil {
		return err
	}
	st, err := a.ctrl.VariantStateFor(id)
	if err != nil {
		return err
	}
	kind := "variant"
	if st.IsScene {
		kind = "scene"
	}
	for i, item := range st.Items {
		marker := "  "
		if i == st.Selected {
			marker = "* "
		}
		fmt.Printf("%s[%s %d] %s\n", marker, kind, i+1,
			util.TruncateRunes(util.FirstLine(item.Content), 80))
	}
	return nil
}

func (a *app) listSessions(ctx context.Context) error {
	metas, err := a.ctrl.ListSessions(ctx)
	if err != nil {
		return err
	}
	current := ""
	if sess := a.ctrl.Session(); sess != nil {
		current = sess.ID
	}
	for _, m := range metas {
		flags := ""
		if m.Pinned {
			flags += " [pinned]"
		}
		if m.Archived {
			flags += " [archived]"
		}
		marker := "  "
		if m.ID == current {
			marker = "* "
		}
		fmt.Printf("%s%s  %3d msgs  %s  %s%s\n", marker, m.ID, m.MessageCount,
			m.UpdatedAt.Local().Format("2006-01-02 15:04"),
			util.TruncateRunes(m.Title, 40), flags)
	}
	return nil
}

// targetMessage resolves an optional message-id argument, defaulting to the
// newest message (optionally of one role).
func (a *app) targetMessage(args []string, role model.Role) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	msgs := a.ctrl.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if role == "" || msgs[i].Role == role {
			return msgs[i].ID, nil
		}
	}
	return "", fmt.Errorf("no matching message")
}

func (a *app) findMessage(id string) (model.StoredMessage, bool) {
	for _, m := range a.ctrl.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return model.StoredMessage{}, false
}

// =============================================================================
// OUTPUT
// =============================================================================

func (a *app) printScene() {
	for _, m := range a.ctrl.Messages() {
		if m.Role == model.RoleScene {
			fmt.Printf("\n%s\n\n", m.Content)
			return
		}
	}
}

func (a *app) printMessages() {
	msgs := a.ctrl.Messages()
	if a.ctrl.HasOlderMessages() {
		fmt.Println("  (older messages available, /older to load)")
	}
	for _, m := range msgs {
		extra := ""
		if m.Pinned {
			extra += " [pinned]"
		}
		if n := len(m.Variants); n > 0 {
			extra += " [" + strconv.Itoa(n+1) + " variants]"
		}
		for _, att := range m.Attachments {
			if att.Pending {
				extra += " [image pending]"
			} else {
				extra += " [image " + att.ID + "]"
			}
		}
		fmt.Printf("%s %-9s %s%s\n", shortID(m.ID), m.Role,
			util.TruncateRunes(util.FirstLine(m.Content), 90), extra)
	}
}

func (a *app) printHelp() {
	fmt.Print(`commands:
  /help                       show this help
  /new                        start a fresh session
  /sessions                   list sessions
  /open <id>                  open a session
  /messages                   show loaded messages
  /older                      load an older history page
  /continue                   ask for a continuation
  /regen [id]                 regenerate an assistant message
  /abort                      abort the in-flight turn
  /swipe <left|right> [id]    swipe message variants (or scenes)
  /variants [id]              list a message's variants
  /edit <id> <text>           edit a message
  /delete <id>                delete a message
  /rewind <id>                delete everything after a message
  /pin <id>                   toggle a message pin
  /branch <id>                branch a new session at a message
  /archive                    toggle session archive flag
  /pin-session                toggle session pin flag
  /quit                       exit
anything else is sent as a chat message.
`)
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 && len(id) > i+9 {
		return id[:i+9]
	}
	return id
}
