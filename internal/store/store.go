package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for point lookups that miss.
// List operations return empty slices instead.
var ErrNotFound = errors.New("store: not found")

// Binding routes a CRM scenario to a destination chat.
// At most one binding exists per scenario; rebinding is last-write-wins.
type Binding struct {
	ScenarioID   int64
	ScenarioName string
	ChatID       int64
	ChatTitle    string
	CreatedAt    time.Time
}

// Admin is a store-registered operator. Exactly one of UserID/Username may
// be unknown at registration time (e.g. added by handle before the user
// ever messaged the bot).
type Admin struct {
	UserID      int64
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// AdminRef identifies an admin by platform id or by handle.
type AdminRef struct {
	UserID   int64
	Username string
}

// CallRecord is the durable processed-call log row. It doubles as the
// authoritative dedup set and the delivery audit trail. Rows are never
// updated or deleted.
type CallRecord struct {
	CallID      int64
	ScenarioID  int64
	ResultName  string
	ManagerName string
	Phone       string
	Comment     string
	StartedAt   time.Time
	DeliveredTo int64
	// Delivery is "audio" or "text" (the fallback path).
	Delivery    string
	DeliveryID  string
	ProcessedAt time.Time
}

const (
	DeliveryAudio = "audio"
	DeliveryText  = "text"
)

// ChatInfo is a directory entry for a chat the bot has observed. It feeds
// the bind menu and the destination listing; it is not used for routing.
type ChatInfo struct {
	ID        int64
	Title     string
	Type      string
	UpdatedAt time.Time
}

// Store is the persistence contract shared by the pipeline and the bot.
type Store interface {
	UpsertBinding(ctx context.Context, b Binding) error
	// RemoveBinding is a no-op when the scenario has no binding.
	RemoveBinding(ctx context.Context, scenarioID int64) error
	ListBindings(ctx context.Context) ([]Binding, error)
	// BindingForScenario returns ErrNotFound on a miss.
	BindingForScenario(ctx context.Context, scenarioID int64) (Binding, error)

	AddAdmin(ctx context.Context, a Admin) error
	// RemoveAdmin is a no-op when no row matches.
	RemoveAdmin(ctx context.Context, ref AdminRef) error
	ListAdmins(ctx context.Context) ([]Admin, error)
	IsStoredAdmin(ctx context.Context, ref AdminRef) (bool, error)

	// RecordCall inserts the row unless one already exists for the call id.
	// A duplicate insert is silently ignored.
	RecordCall(ctx context.Context, r CallRecord) error
	CallSeen(ctx context.Context, callID int64) (bool, error)

	UpsertChat(ctx context.Context, c ChatInfo) error
	ListChats(ctx context.Context) ([]ChatInfo, error)
}
