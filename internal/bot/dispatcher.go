package bot

import (
	"context"
	"log/slog"
	"strings"

	"call-relay/internal/scenarios"
	"call-relay/internal/store"
	"call-relay/internal/telegram"
)

// API is the slice of the chat platform client the dispatcher needs.
type API interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID string) error
}

// Dispatcher routes bot updates to command handlers. It owns the
// conversational state; no globals, one instance per process.
type Dispatcher struct {
	api      API
	store    store.Store
	cache    *scenarios.Cache
	authz    *Authorizer
	sessions *Sessions
	log      *slog.Logger
}

func NewDispatcher(api API, st store.Store, cache *scenarios.Cache, authz *Authorizer, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		api:      api,
		store:    st,
		cache:    cache,
		authz:    authz,
		sessions: NewSessions(),
		log:      log,
	}
}

// HandleUpdate processes one update. Failures are replied to the operator
// or logged; they never propagate to the transport loop.
func (d *Dispatcher) HandleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.MyChatMember != nil:
		d.recordChat(ctx, u.MyChatMember.Chat)
	case u.CallbackQuery != nil:
		d.handleCallback(ctx, *u.CallbackQuery)
	case u.Message != nil:
		d.handleMessage(ctx, *u.Message)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, m telegram.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	// Keep the destination directory current from anything the bot sees
	// in group chats.
	if m.Chat.Type == "group" || m.Chat.Type == "supergroup" {
		d.recordChat(ctx, m.Chat)
	}

	text := strings.TrimSpace(m.Text)
	if strings.HasPrefix(text, "/") {
		d.handleCommand(ctx, m, text)
		return
	}

	if sess, ok := d.sessions.take(m.From.ID); ok {
		d.handleSessionInput(ctx, m, sess)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, m telegram.Message, text string) {
	cmd, args := splitCommand(text)
	from := *m.From
	chatID := m.Chat.ID

	// A command interrupts any in-flight flow.
	d.sessions.clear(from.ID)

	switch cmd {
	case "/start", "/help":
		d.reply(ctx, chatID, helpText)
		return
	case "/whoami":
		d.cmdWhoami(ctx, chatID, from)
		return
	}

	ref := store.AdminRef{UserID: from.ID, Username: from.Username}
	isAdmin, err := d.authz.IsAdmin(ctx, ref)
	if err != nil {
		d.log.Error("admin lookup failed", "user_id", from.ID, "err", err)
		d.reply(ctx, chatID, "Не удалось проверить права, попробуйте ещё раз.")
		return
	}

	switch cmd {
	case "/refresh_scenarios":
		if !isAdmin {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdRefreshScenarios(ctx, chatID)
	case "/bind":
		if !isAdmin {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdBind(ctx, chatID)
	case "/unbind":
		if !isAdmin {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdUnbind(ctx, chatID)
	case "/bindings":
		if !isAdmin {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdBindings(ctx, chatID)
	case "/chats":
		if !isAdmin {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdChats(ctx, chatID)
	case "/admins":
		if !d.authz.IsMainAdmin(from.ID) {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdAdmins(ctx, chatID)
	case "/add_admin":
		if !d.authz.IsMainAdmin(from.ID) {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdAddAdmin(ctx, chatID, from.ID, args)
	case "/remove_admin":
		if !d.authz.IsMainAdmin(from.ID) {
			d.reply(ctx, chatID, deniedText)
			return
		}
		d.cmdRemoveAdmin(ctx, chatID, from.ID, args)
	default:
		// Unknown commands in groups are usually meant for other bots.
		if m.Chat.Type == "private" {
			d.reply(ctx, chatID, "Неизвестная команда. /help")
		}
	}
}

// splitCommand normalizes "/bind@relay_bot arg" into "/bind" and "arg".
func splitCommand(text string) (string, string) {
	cmd := text
	args := ""
	if i := strings.IndexAny(text, " \n"); i >= 0 {
		cmd = text[:i]
		args = strings.TrimSpace(text[i+1:])
	}
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), args
}

func (d *Dispatcher) recordChat(ctx context.Context, c telegram.Chat) {
	err := d.store.UpsertChat(ctx, store.ChatInfo{ID: c.ID, Title: c.TitleOrName(), Type: c.Type})
	if err != nil {
		d.log.Error("chat directory update failed", "chat_id", c.ID, "err", err)
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if err := d.api.SendMessage(ctx, chatID, text); err != nil {
		d.log.Error("reply failed", "chat_id", chatID, "err", err)
	}
}
