package telegram

// Bot API payload subset this service consumes. Field names follow the
// wire format; anything not used by the relay is omitted.

type Update struct {
	UpdateID      int64              `json:"update_id"`
	Message       *Message           `json:"message,omitempty"`
	CallbackQuery *CallbackQuery     `json:"callback_query,omitempty"`
	MyChatMember  *ChatMemberUpdated `json:"my_chat_member,omitempty"`
}

type Message struct {
	MessageID   int64  `json:"message_id"`
	From        *User  `json:"from,omitempty"`
	Chat        Chat   `json:"chat"`
	Date        int64  `json:"date"`
	Text        string `json:"text,omitempty"`
	ForwardFrom *User  `json:"forward_from,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type ChatMemberUpdated struct {
	Chat          Chat       `json:"chat"`
	From          User       `json:"from"`
	NewChatMember ChatMember `json:"new_chat_member"`
}

type ChatMember struct {
	Status string `json:"status"`
	User   User   `json:"user"`
}

type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// TitleOrName returns a human-readable name for the chat regardless of
// its type.
func (c Chat) TitleOrName() string {
	if c.Title != "" {
		return c.Title
	}
	if c.FirstName != "" {
		return c.FirstName
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return "untitled"
}

// DisplayName returns a human-readable identity for a user.
func (u User) DisplayName() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.LastName != "":
		return u.FirstName + " " + u.LastName
	default:
		return u.FirstName
	}
}
