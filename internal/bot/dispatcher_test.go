package bot

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"call-relay/internal/provider"
	"call-relay/internal/scenarios"
	"call-relay/internal/store"
	"call-relay/internal/telegram"
)

type stubAPI struct {
	mu       sync.Mutex
	texts    []string
	chats    []int64
	keyboard *telegram.InlineKeyboardMarkup
}

func (a *stubAPI) SendMessage(_ context.Context, chatID int64, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats = append(a.chats, chatID)
	a.texts = append(a.texts, text)
	return nil
}

func (a *stubAPI) SendMessageWithKeyboard(_ context.Context, chatID int64, text string, kb *telegram.InlineKeyboardMarkup) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats = append(a.chats, chatID)
	a.texts = append(a.texts, text)
	a.keyboard = kb
	return nil
}

func (a *stubAPI) AnswerCallbackQuery(context.Context, string) error { return nil }

func (a *stubAPI) lastText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.texts) == 0 {
		return ""
	}
	return a.texts[len(a.texts)-1]
}

type catalogStub struct {
	list []provider.Scenario
	err  error
}

func (c *catalogStub) Scenarios(context.Context) ([]provider.Scenario, error) {
	return c.list, c.err
}

func (c *catalogStub) Recording(context.Context, int64) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

const mainAdminID = int64(1000)

func newDispatcher(t *testing.T) (*Dispatcher, *stubAPI, *store.Memory, *catalogStub) {
	t.Helper()
	api := &stubAPI{}
	st := store.NewMemory()
	cat := &catalogStub{list: []provider.Scenario{{ID: 42, Name: "Продажи"}, {ID: 7, Name: "База"}}}
	cache := scenarios.NewCache(cat)
	d := NewDispatcher(api, st, cache, NewAuthorizer([]int64{mainAdminID}, st), nil)
	return d, api, st, cat
}

func msgFrom(userID int64, text string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: userID, FirstName: "U", Username: "user"},
		Chat: telegram.Chat{ID: userID, Type: "private"},
		Text: text,
	}}
}

func callbackFrom(userID int64, data string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb1",
		From:    telegram.User{ID: userID, Username: "user"},
		Message: &telegram.Message{Chat: telegram.Chat{ID: userID, Type: "private"}},
		Data:    data,
	}}
}

func TestNonAdminBindRejectedAndNothingStored(t *testing.T) {
	d, api, st, _ := newDispatcher(t)
	ctx := context.Background()

	d.HandleUpdate(ctx, msgFrom(5, "/bind"))
	if api.lastText() != deniedText {
		t.Fatalf("expected rejection, got %q", api.lastText())
	}

	d.HandleUpdate(ctx, callbackFrom(5, "dest:42:-99"))
	bindings, _ := st.ListBindings(ctx)
	if len(bindings) != 0 {
		t.Fatalf("non-admin must not create bindings: %+v", bindings)
	}
}

func TestBindFlowEndToEnd(t *testing.T) {
	d, api, st, _ := newDispatcher(t)
	ctx := context.Background()
	_ = st.UpsertChat(ctx, store.ChatInfo{ID: -99, Title: "Sales chat", Type: "group"})

	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/bind"))
	if api.keyboard == nil || len(api.keyboard.InlineKeyboard) != 2 {
		t.Fatalf("expected scenario menu, got %+v", api.keyboard)
	}
	if api.keyboard.InlineKeyboard[0][0].CallbackData != "bind:42" {
		t.Fatalf("unexpected callback data: %q", api.keyboard.InlineKeyboard[0][0].CallbackData)
	}

	d.HandleUpdate(ctx, callbackFrom(mainAdminID, "bind:42"))
	if api.keyboard.InlineKeyboard[0][0].CallbackData != "dest:42:-99" {
		t.Fatalf("expected destination menu, got %+v", api.keyboard)
	}

	d.HandleUpdate(ctx, callbackFrom(mainAdminID, "dest:42:-99"))
	b, err := st.BindingForScenario(ctx, 42)
	if err != nil {
		t.Fatalf("expected binding: %v", err)
	}
	if b.ChatID != -99 || b.ScenarioName != "Продажи" || b.ChatTitle != "Sales chat" {
		t.Fatalf("unexpected binding: %+v", b)
	}
}

func TestBindFlowManualDestination(t *testing.T) {
	d, _, st, _ := newDispatcher(t)
	ctx := context.Background()

	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/bind"))
	d.HandleUpdate(ctx, callbackFrom(mainAdminID, "bind:7"))
	// No known chats: operator types the id.
	d.HandleUpdate(ctx, msgFrom(mainAdminID, "-100500"))

	b, err := st.BindingForScenario(ctx, 7)
	if err != nil {
		t.Fatalf("expected binding: %v", err)
	}
	if b.ChatID != -100500 {
		t.Fatalf("unexpected destination: %+v", b)
	}
}

func TestBindLazyRefreshOnColdCache(t *testing.T) {
	d, api, _, _ := newDispatcher(t)
	ctx := context.Background()

	// Cache never refreshed; /bind should self-heal and render the menu.
	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/bind"))
	if api.keyboard == nil || len(api.keyboard.InlineKeyboard) == 0 {
		t.Fatalf("expected menu after lazy refresh")
	}
}

func TestUnbind(t *testing.T) {
	d, _, st, _ := newDispatcher(t)
	ctx := context.Background()
	_ = st.UpsertBinding(ctx, store.Binding{ScenarioID: 42, ChatID: -99})

	d.HandleUpdate(ctx, callbackFrom(mainAdminID, "unbind:42"))
	if _, err := st.BindingForScenario(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected binding removed, got %v", err)
	}
}

func TestAdminManagementRequiresMainAdmin(t *testing.T) {
	d, api, st, _ := newDispatcher(t)
	ctx := context.Background()
	_ = st.AddAdmin(ctx, store.Admin{UserID: 5, Username: "user"})

	// A stored admin may bind but not manage admins.
	d.HandleUpdate(ctx, msgFrom(5, "/add_admin 6"))
	if api.lastText() != deniedText {
		t.Fatalf("expected rejection, got %q", api.lastText())
	}
	if ok, _ := st.IsStoredAdmin(ctx, store.AdminRef{UserID: 6}); ok {
		t.Fatalf("admin must not have been added")
	}

	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/add_admin 6"))
	if ok, _ := st.IsStoredAdmin(ctx, store.AdminRef{UserID: 6}); !ok {
		t.Fatalf("expected admin added by main admin")
	}
}

func TestRemoveAdminFlows(t *testing.T) {
	d, api, st, _ := newDispatcher(t)
	ctx := context.Background()
	_ = st.AddAdmin(ctx, store.Admin{UserID: 6})

	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/remove_admin 6"))
	if ok, _ := st.IsStoredAdmin(ctx, store.AdminRef{UserID: 6}); ok {
		t.Fatalf("expected admin removed")
	}
	if isAdmin, _ := d.authz.IsAdmin(ctx, store.AdminRef{UserID: 6}); isAdmin {
		t.Fatalf("removed admin must not authorize")
	}

	// Main admins are defined statically and cannot be removed.
	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/remove_admin 1000"))
	if !strings.Contains(api.lastText(), "нельзя") {
		t.Fatalf("expected refusal, got %q", api.lastText())
	}
	if !d.authz.IsMainAdmin(mainAdminID) {
		t.Fatalf("main admin must stay authorized")
	}
}

func TestAddAdminByForward(t *testing.T) {
	d, _, st, _ := newDispatcher(t)
	ctx := context.Background()

	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/add_admin"))
	fw := msgFrom(mainAdminID, "")
	fw.Message.ForwardFrom = &telegram.User{ID: 777, Username: "newbie"}
	d.HandleUpdate(ctx, fw)

	if ok, _ := st.IsStoredAdmin(ctx, store.AdminRef{UserID: 777}); !ok {
		t.Fatalf("expected forwarded identity added")
	}
}

func TestAddAdminByHandle(t *testing.T) {
	d, _, st, _ := newDispatcher(t)
	ctx := context.Background()

	d.HandleUpdate(ctx, msgFrom(mainAdminID, "/add_admin @handleonly"))
	if ok, _ := st.IsStoredAdmin(ctx, store.AdminRef{Username: "handleonly"}); !ok {
		t.Fatalf("expected handle admin added")
	}
}

func TestGroupMessageFeedsChatDirectory(t *testing.T) {
	d, _, st, _ := newDispatcher(t)
	ctx := context.Background()

	d.HandleUpdate(ctx, telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: 5},
		Chat: telegram.Chat{ID: -200, Type: "supergroup", Title: "Leads"},
		Text: "hello",
	}})

	chats, _ := st.ListChats(ctx)
	if len(chats) != 1 || chats[0].ID != -200 || chats[0].Title != "Leads" {
		t.Fatalf("unexpected directory: %+v", chats)
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct{ in, cmd, args string }{
		{"/bind", "/bind", ""},
		{"/bind@relay_bot", "/bind", ""},
		{"/add_admin 42", "/add_admin", "42"},
		{"/ADD_admin @x", "/add_admin", "@x"},
	}
	for _, tc := range cases {
		cmd, args := splitCommand(tc.in)
		if cmd != tc.cmd || args != tc.args {
			t.Errorf("splitCommand(%q) = %q,%q want %q,%q", tc.in, cmd, args, tc.cmd, tc.args)
		}
	}
}
