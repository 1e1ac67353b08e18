package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"call-relay/internal/store"
	"call-relay/internal/telegram"
)

const helpText = `Команды:
/bind — привязать сценарий к чату
/unbind — отвязать сценарий
/bindings — список привязок
/chats — известные чаты
/refresh_scenarios — обновить каталог сценариев
/admins — список админов
/add_admin — добавить админа (id, @username или пересланное сообщение)
/remove_admin — удалить админа
/whoami — мой идентификатор`

const deniedText = "Недостаточно прав для этой команды."

// scenarioMenuLimit caps the bind keyboard; the CRM catalog can be large
// and the chat platform rejects oversized keyboards.
const scenarioMenuLimit = 50

func (d *Dispatcher) cmdWhoami(ctx context.Context, chatID int64, from telegram.User) {
	role := "не админ"
	if d.authz.IsMainAdmin(from.ID) {
		role = "главный админ"
	} else if ok, _ := d.authz.IsAdmin(ctx, store.AdminRef{UserID: from.ID, Username: from.Username}); ok {
		role = "админ"
	}
	d.reply(ctx, chatID, fmt.Sprintf("ID: %d\nИмя: %s\nРоль: %s", from.ID, from.DisplayName(), role))
}

func (d *Dispatcher) cmdRefreshScenarios(ctx context.Context, chatID int64) {
	if err := d.cache.Refresh(ctx); err != nil {
		d.log.Error("scenario refresh failed", "err", err)
		d.reply(ctx, chatID, "Не удалось обновить сценарии: CRM недоступна.")
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("Каталог обновлён: %d сценариев.", len(d.cache.All())))
}

func (d *Dispatcher) cmdBind(ctx context.Context, chatID int64) {
	// Self-heal a cold cache: scenarios created CRM-side after the last
	// refresh show up without an explicit /refresh_scenarios.
	if d.cache.Empty() {
		if err := d.cache.Refresh(ctx); err != nil {
			d.log.Error("lazy scenario refresh failed", "err", err)
		}
	}
	catalog := d.cache.All()
	if len(catalog) == 0 {
		d.reply(ctx, chatID, "Каталог сценариев пуст. Попробуйте /refresh_scenarios.")
		return
	}
	if len(catalog) > scenarioMenuLimit {
		catalog = catalog[:scenarioMenuLimit]
	}

	kb := &telegram.InlineKeyboardMarkup{}
	for _, s := range catalog {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []telegram.InlineKeyboardButton{{
			Text:         fmt.Sprintf("%s (%d)", s.Name, s.ID),
			CallbackData: fmt.Sprintf("bind:%d", s.ID),
		}})
	}
	if err := d.api.SendMessageWithKeyboard(ctx, chatID, "Выберите сценарий:", kb); err != nil {
		d.log.Error("bind menu failed", "err", err)
	}
}

func (d *Dispatcher) cmdUnbind(ctx context.Context, chatID int64) {
	bindings, err := d.store.ListBindings(ctx)
	if err != nil {
		d.log.Error("bindings list failed", "err", err)
		d.reply(ctx, chatID, "Не удалось получить список привязок.")
		return
	}
	if len(bindings) == 0 {
		d.reply(ctx, chatID, "Привязок нет.")
		return
	}
	kb := &telegram.InlineKeyboardMarkup{}
	for _, b := range bindings {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []telegram.InlineKeyboardButton{{
			Text:         fmt.Sprintf("%s → %s", bindingScenarioLabel(b), bindingChatLabel(b)),
			CallbackData: fmt.Sprintf("unbind:%d", b.ScenarioID),
		}})
	}
	if err := d.api.SendMessageWithKeyboard(ctx, chatID, "Что отвязать?", kb); err != nil {
		d.log.Error("unbind menu failed", "err", err)
	}
}

func (d *Dispatcher) cmdBindings(ctx context.Context, chatID int64) {
	bindings, err := d.store.ListBindings(ctx)
	if err != nil {
		d.log.Error("bindings list failed", "err", err)
		d.reply(ctx, chatID, "Не удалось получить список привязок.")
		return
	}
	if len(bindings) == 0 {
		d.reply(ctx, chatID, "Привязок нет.")
		return
	}
	var b strings.Builder
	b.WriteString("Привязки:\n")
	for _, x := range bindings {
		fmt.Fprintf(&b, "• %s → %s\n", bindingScenarioLabel(x), bindingChatLabel(x))
	}
	d.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) cmdChats(ctx context.Context, chatID int64) {
	chats, err := d.store.ListChats(ctx)
	if err != nil {
		d.log.Error("chat list failed", "err", err)
		d.reply(ctx, chatID, "Не удалось получить список чатов.")
		return
	}
	if len(chats) == 0 {
		d.reply(ctx, chatID, "Бот ещё не видел ни одного чата. Добавьте его в группу.")
		return
	}
	var b strings.Builder
	b.WriteString("Известные чаты:\n")
	for _, c := range chats {
		fmt.Fprintf(&b, "• %s (%d)\n", c.Title, c.ID)
	}
	d.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) cmdAdmins(ctx context.Context, chatID int64) {
	admins, err := d.store.ListAdmins(ctx)
	if err != nil {
		d.log.Error("admin list failed", "err", err)
		d.reply(ctx, chatID, "Не удалось получить список админов.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Главные админы (из конфигурации): %d\n", len(d.authz.main))
	if len(admins) == 0 {
		b.WriteString("Добавленных админов нет.")
	} else {
		b.WriteString("Добавленные админы:\n")
		for _, a := range admins {
			fmt.Fprintf(&b, "• %s\n", adminLabel(a))
		}
	}
	d.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) cmdAddAdmin(ctx context.Context, chatID, operatorID int64, args string) {
	if args != "" {
		d.applyAdminIdentity(ctx, chatID, args, nil, true)
		return
	}
	d.sessions.put(operatorID, session{state: stateAwaitingAdminAdd})
	d.reply(ctx, chatID, "Пришлите ID, @username или перешлите сообщение нового админа.")
}

func (d *Dispatcher) cmdRemoveAdmin(ctx context.Context, chatID, operatorID int64, args string) {
	if args != "" {
		d.applyAdminIdentity(ctx, chatID, args, nil, false)
		return
	}
	d.sessions.put(operatorID, session{state: stateAwaitingAdminRemove})
	d.reply(ctx, chatID, "Пришлите ID, @username или перешлите сообщение админа для удаления.")
}

// applyAdminIdentity resolves an identity from free-form input (numeric
// id, @handle) or a forwarded message, then adds or removes it.
func (d *Dispatcher) applyAdminIdentity(ctx context.Context, chatID int64, input string, forwarded *telegram.User, add bool) {
	ref := store.AdminRef{}
	display := ""
	switch {
	case forwarded != nil:
		ref.UserID = forwarded.ID
		ref.Username = forwarded.Username
		display = forwarded.DisplayName()
	case strings.HasPrefix(input, "@"):
		ref.Username = strings.TrimPrefix(input, "@")
		display = input
	default:
		id, err := strconv.ParseInt(strings.TrimSpace(input), 10, 64)
		if err != nil {
			d.reply(ctx, chatID, "Не понял. Нужен числовой ID, @username или пересланное сообщение.")
			return
		}
		ref.UserID = id
		display = input
	}

	if !add {
		if d.authz.IsMainAdmin(ref.UserID) {
			d.reply(ctx, chatID, "Главного админа удалить нельзя.")
			return
		}
		if err := d.store.RemoveAdmin(ctx, ref); err != nil {
			d.log.Error("admin remove failed", "err", err)
			d.reply(ctx, chatID, "Не удалось удалить админа.")
			return
		}
		d.reply(ctx, chatID, fmt.Sprintf("Админ %s удалён.", display))
		return
	}

	err := d.store.AddAdmin(ctx, store.Admin{UserID: ref.UserID, Username: ref.Username, DisplayName: display})
	if err != nil {
		d.log.Error("admin add failed", "err", err)
		d.reply(ctx, chatID, "Не удалось добавить админа.")
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("Админ %s добавлен.", display))
}

func (d *Dispatcher) handleSessionInput(ctx context.Context, m telegram.Message, sess session) {
	chatID := m.Chat.ID
	switch sess.state {
	case stateAwaitingDestination:
		id, err := strconv.ParseInt(strings.TrimSpace(m.Text), 10, 64)
		if err != nil {
			// Keep the flow alive for one more try.
			d.sessions.put(m.From.ID, sess)
			d.reply(ctx, chatID, "Нужен числовой ID чата. Попробуйте ещё раз или /bind заново.")
			return
		}
		d.completeBinding(ctx, chatID, sess.scenarioID, sess.scenarioName, id, "")
	case stateAwaitingAdminAdd:
		d.applyAdminIdentity(ctx, chatID, m.Text, m.ForwardFrom, true)
	case stateAwaitingAdminRemove:
		d.applyAdminIdentity(ctx, chatID, m.Text, m.ForwardFrom, false)
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, q telegram.CallbackQuery) {
	if err := d.api.AnswerCallbackQuery(ctx, q.ID); err != nil {
		d.log.Debug("callback ack failed", "err", err)
	}
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID

	isAdmin, err := d.authz.IsAdmin(ctx, store.AdminRef{UserID: q.From.ID, Username: q.From.Username})
	if err != nil || !isAdmin {
		d.reply(ctx, chatID, deniedText)
		return
	}

	action, rest, _ := strings.Cut(q.Data, ":")
	switch action {
	case "bind":
		scenarioID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return
		}
		d.promptDestination(ctx, chatID, q.From.ID, scenarioID)
	case "dest":
		sidStr, cidStr, ok := strings.Cut(rest, ":")
		if !ok {
			return
		}
		scenarioID, err1 := strconv.ParseInt(sidStr, 10, 64)
		destID, err2 := strconv.ParseInt(cidStr, 10, 64)
		if err1 != nil || err2 != nil {
			return
		}
		d.sessions.clear(q.From.ID)
		name := ""
		if s, ok := d.cache.ByID(scenarioID); ok {
			name = s.Name
		}
		d.completeBinding(ctx, chatID, scenarioID, name, destID, d.chatTitle(ctx, destID))
	case "unbind":
		scenarioID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return
		}
		if err := d.store.RemoveBinding(ctx, scenarioID); err != nil {
			d.log.Error("unbind failed", "scenario_id", scenarioID, "err", err)
			d.reply(ctx, chatID, "Не удалось отвязать сценарий.")
			return
		}
		d.reply(ctx, chatID, fmt.Sprintf("Сценарий %d отвязан.", scenarioID))
	}
}

// promptDestination is step two of /bind: pick a known chat or type an id.
func (d *Dispatcher) promptDestination(ctx context.Context, chatID, operatorID, scenarioID int64) {
	name := ""
	if s, ok := d.cache.ByID(scenarioID); ok {
		name = s.Name
	}
	d.sessions.put(operatorID, session{
		state:        stateAwaitingDestination,
		scenarioID:   scenarioID,
		scenarioName: name,
	})

	chats, err := d.store.ListChats(ctx)
	if err != nil {
		d.log.Error("chat list failed", "err", err)
	}
	if len(chats) == 0 {
		d.reply(ctx, chatID, "Пришлите числовой ID чата назначения.")
		return
	}
	kb := &telegram.InlineKeyboardMarkup{}
	for _, c := range chats {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []telegram.InlineKeyboardButton{{
			Text:         fmt.Sprintf("%s (%d)", c.Title, c.ID),
			CallbackData: fmt.Sprintf("dest:%d:%d", scenarioID, c.ID),
		}})
	}
	if err := d.api.SendMessageWithKeyboard(ctx, chatID, "Куда отправлять уведомления? Выберите чат или пришлите ID.", kb); err != nil {
		d.log.Error("destination menu failed", "err", err)
	}
}

func (d *Dispatcher) completeBinding(ctx context.Context, chatID, scenarioID int64, scenarioName string, destID int64, destTitle string) {
	if destTitle == "" {
		destTitle = d.chatTitle(ctx, destID)
	}
	err := d.store.UpsertBinding(ctx, store.Binding{
		ScenarioID:   scenarioID,
		ScenarioName: scenarioName,
		ChatID:       destID,
		ChatTitle:    destTitle,
	})
	if err != nil {
		d.log.Error("binding upsert failed", "scenario_id", scenarioID, "err", err)
		d.reply(ctx, chatID, "Не удалось сохранить привязку.")
		return
	}
	label := scenarioName
	if label == "" {
		label = strconv.FormatInt(scenarioID, 10)
	}
	d.reply(ctx, chatID, fmt.Sprintf("Готово: %s → %s (%d).", label, destTitle, destID))
}

func (d *Dispatcher) chatTitle(ctx context.Context, chatID int64) string {
	chats, err := d.store.ListChats(ctx)
	if err != nil {
		return ""
	}
	for _, c := range chats {
		if c.ID == chatID {
			return c.Title
		}
	}
	return ""
}

func bindingScenarioLabel(b store.Binding) string {
	if b.ScenarioName != "" {
		return fmt.Sprintf("%s (%d)", b.ScenarioName, b.ScenarioID)
	}
	return strconv.FormatInt(b.ScenarioID, 10)
}

func bindingChatLabel(b store.Binding) string {
	if b.ChatTitle != "" {
		return fmt.Sprintf("%s (%d)", b.ChatTitle, b.ChatID)
	}
	return strconv.FormatInt(b.ChatID, 10)
}

func adminLabel(a store.Admin) string {
	switch {
	case a.Username != "" && a.UserID != 0:
		return fmt.Sprintf("@%s (%d)", a.Username, a.UserID)
	case a.Username != "":
		return "@" + a.Username
	default:
		return strconv.FormatInt(a.UserID, 10)
	}
}
