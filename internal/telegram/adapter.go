// Package telegram bridges Telegram chats to turn orchestration: inbound
// messages feed the ingress queue, and the Adapter doubles as the Surface
// for "telegram:" reply targets.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/user/stagehand/internal/ingress"
	"github.com/user/stagehand/internal/orchestrator"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/types"
)

const maxTelegramMessage = 4096

// typingInterval throttles chat actions while deltas stream.
const typingInterval = 4 * time.Second

// Adapter bridges Telegram to the ingress queue and implements Surface
// for telegram reply targets.
type Adapter struct {
	bot             *tgbotapi.BotAPI
	queue           *ingress.Queue
	orch            *orchestrator.Orchestrator
	approvalTimeout time.Duration

	mu          sync.Mutex
	lastMessage map[int64]types.MessageID
	approvals   map[string]chan surface.Decision
	lastTyping  map[int64]time.Time
}

// New creates a Telegram adapter.
func New(token string, queue *ingress.Queue, orch *orchestrator.Orchestrator, approvalTimeout time.Duration) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:             bot,
		queue:           queue,
		orch:            orch,
		approvalTimeout: approvalTimeout,
		lastMessage:     make(map[int64]types.MessageID),
		approvals:       make(map[string]chan surface.Decision),
		lastTyping:      make(map[int64]time.Time),
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			switch {
			case update.CallbackQuery != nil:
				a.handleCallback(update.CallbackQuery)
			case update.Message != nil:
				a.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	if msg.Text == "" && len(msg.Photo) == 0 {
		return
	}

	chatID := msg.Chat.ID
	target := replyTargetFor(chatID)

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	env := &ingress.Envelope{
		MessageID:   types.NewMessageID(),
		EndpointKey: target.String(),
		ReplyTarget: target,
		Text:        text,
		ImagePaths:  a.downloadPhotos(msg),
		EnqueuedAt:  time.Now(),
	}
	if err := a.queue.Enqueue(env); err != nil {
		slog.Warn("telegram enqueue failed", "chat", chatID, "error", err)
		a.send(chatID, "I'm handling too many messages right now, please try again shortly.")
		return
	}
	a.mu.Lock()
	a.lastMessage[chatID] = env.MessageID
	a.mu.Unlock()
}

// downloadPhotos fetches the largest rendition of attached photos so the
// engine can read them from disk.
func (a *Adapter) downloadPhotos(msg *tgbotapi.Message) []string {
	if len(msg.Photo) == 0 {
		return nil
	}
	// Telegram orders renditions smallest first.
	best := msg.Photo[len(msg.Photo)-1]
	url, err := a.bot.GetFileDirectURL(best.FileID)
	if err != nil {
		slog.Warn("photo url lookup failed", "error", err)
		return nil
	}
	path, err := fetchToTemp(url)
	if err != nil {
		slog.Warn("photo download failed", "error", err)
		return nil
	}
	return []string{path}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	target := replyTargetFor(chatID).String()

	switch msg.Command() {
	case "start":
		a.send(chatID, "Hello! I'm Stagehand. Send me a message and I'll put the engine to work.")

	case "new":
		if err := a.orch.NewThread(ctx, target); err != nil {
			slog.Error("archive thread", "chat", chatID, "error", err)
			a.send(chatID, "Couldn't start a new conversation, please try again.")
			return
		}
		a.send(chatID, "Started a new conversation. The previous one is archived.")

	case "stop":
		if err := a.orch.Interrupt(ctx, target); err != nil {
			a.send(chatID, "Nothing is running right now.")
			return
		}
		a.send(chatID, "Asked the engine to stop. It may take a moment to wind down.")

	case "cancel":
		a.mu.Lock()
		id, ok := a.lastMessage[chatID]
		a.mu.Unlock()
		if ok && a.queue.Cancel(target, id) {
			a.send(chatID, "Cancelled. You won't get a reply to that message.")
		} else {
			a.send(chatID, "Nothing to cancel.")
		}

	case "status":
		thread, err := a.orch.ActiveThread(ctx, target)
		if err != nil {
			a.send(chatID, "No active conversation. Send a message to start one.")
			return
		}
		a.send(chatID, formatStatus(thread))

	default:
		a.send(chatID, "Unknown command. Available: /start, /new, /stop, /cancel, /status")
	}
}

func formatStatus(thread *types.Thread) string {
	engineState := "starting"
	if thread.EngineThreadID != "" {
		engineState = "ready"
	}
	return fmt.Sprintf("Conversation: %s\nAgent: %s\nEngine: %s\nTokens: %d in / %d out",
		thread.ID, thread.Agent, engineState,
		thread.Usage.InputTokens, thread.Usage.OutputTokens)
}

// --- Surface implementation ---

func (a *Adapter) OnTurnStarted(_ context.Context, in *types.Interaction) {
	if chatID, err := chatIDFor(in.ReplyTarget); err == nil {
		a.typing(chatID)
	}
}

func (a *Adapter) OnItemStarted(_ context.Context, in *types.Interaction, _ *types.InteractionItem) {
	if chatID, err := chatIDFor(in.ReplyTarget); err == nil {
		a.typing(chatID)
	}
}

func (a *Adapter) OnItemCompleted(context.Context, *types.Interaction, *types.InteractionItem) {}

func (a *Adapter) OnAgentMessageDelta(_ context.Context, in *types.Interaction, _ string) {
	if chatID, err := chatIDFor(in.ReplyTarget); err == nil {
		a.typing(chatID)
	}
}

func (a *Adapter) OnTurnCompleted(_ context.Context, in *types.Interaction) {
	chatID, err := chatIDFor(in.ReplyTarget)
	if err != nil {
		slog.Error("bad reply target", "target", in.ReplyTarget, "error", err)
		return
	}
	text := in.Response
	if text == "" {
		switch in.Status {
		case types.InteractionInterrupted:
			text = "Stopped."
		case types.InteractionFailed:
			text = "Something went wrong with that turn."
		default:
			text = "Done, no output."
		}
	}
	a.send(chatID, text)
}

// OnApprovalRequired prompts the chat with an inline keyboard and blocks
// until answered or the timeout passes, defaulting to decline.
func (a *Adapter) OnApprovalRequired(ctx context.Context, req surface.ApprovalRequest) surface.Decision {
	chatID, err := chatIDFor(req.ReplyTarget)
	if err != nil {
		return surface.Decline
	}

	key := uuid.New().String()
	ch := make(chan surface.Decision, 1)
	a.mu.Lock()
	a.approvals[key] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.approvals, key)
		a.mu.Unlock()
	}()

	msg := tgbotapi.NewMessage(chatID, formatApprovalPrompt(req))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", approvalData(surface.Accept, key)),
			tgbotapi.NewInlineKeyboardButtonData("Decline", approvalData(surface.Decline, key)),
		),
	)
	if _, err := a.bot.Send(msg); err != nil {
		slog.Error("send approval prompt", "chat", chatID, "error", err)
		return surface.Decline
	}

	return surface.DecideWithTimeout(ctx, a.approvalTimeout, func(dctx context.Context) surface.Decision {
		select {
		case d := <-ch:
			return d
		case <-dctx.Done():
			return surface.Decline
		}
	})
}

func (a *Adapter) handleCallback(cb *tgbotapi.CallbackQuery) {
	decision, key, ok := parseApprovalData(cb.Data)
	if !ok {
		return
	}
	a.mu.Lock()
	ch, found := a.approvals[key]
	a.mu.Unlock()
	if found {
		select {
		case ch <- decision:
		default:
		}
	}

	ack := "Timed out"
	if found {
		ack = "Declined"
		if decision == surface.Accept {
			ack = "Approved"
		}
	}
	if _, err := a.bot.Request(tgbotapi.NewCallback(cb.ID, ack)); err != nil {
		slog.Warn("answer callback", "error", err)
	}
	if cb.Message != nil {
		edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
			cb.Message.Text+"\n\n"+ack+".")
		if _, err := a.bot.Send(edit); err != nil {
			slog.Warn("edit approval prompt", "error", err)
		}
	}
}

func formatApprovalPrompt(req surface.ApprovalRequest) string {
	var b strings.Builder
	switch req.Kind {
	case surface.ApprovalCommand:
		fmt.Fprintf(&b, "The engine wants to run:\n%s", req.Command)
	case surface.ApprovalFileChange:
		fmt.Fprintf(&b, "The engine wants to modify:\n%s", req.Path)
	default:
		b.WriteString("The engine is asking for approval.")
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "\n\nReason: %s", req.Reason)
	}
	return b.String()
}

func approvalData(d surface.Decision, key string) string {
	return string(d) + ":" + key
}

func parseApprovalData(data string) (surface.Decision, string, bool) {
	verdict, key, ok := strings.Cut(data, ":")
	if !ok {
		return surface.Decline, "", false
	}
	switch surface.Decision(verdict) {
	case surface.Accept:
		return surface.Accept, key, true
	case surface.Decline:
		return surface.Decline, key, true
	}
	return surface.Decline, "", false
}

// typing sends the chat action at most once per typingInterval per chat.
func (a *Adapter) typing(chatID int64) {
	a.mu.Lock()
	last := a.lastTyping[chatID]
	if time.Since(last) < typingInterval {
		a.mu.Unlock()
		return
	}
	a.lastTyping[chatID] = time.Now()
	a.mu.Unlock()

	if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("chat action failed", "chat", chatID, "error", err)
	}
}

func (a *Adapter) send(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message", "chat", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func replyTargetFor(chatID int64) types.ReplyTarget {
	return types.ReplyTarget{Kind: types.TargetTelegram, Address: strconv.FormatInt(chatID, 10)}
}

func chatIDFor(replyTarget string) (int64, error) {
	target, err := types.ParseReplyTarget(replyTarget)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(target.Address, 10, 64)
}
