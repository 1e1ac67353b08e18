package bot

import (
	"context"

	"call-relay/internal/store"
)

// Authorizer is the single source of authorization decisions.
//
// Precedence: the static main-admin set always wins and is not overridable
// by store content. Stored admins get the operational commands; admin
// management itself requires a main admin.
type Authorizer struct {
	main  map[int64]struct{}
	store store.Store
}

func NewAuthorizer(mainAdminIDs []int64, st store.Store) *Authorizer {
	main := make(map[int64]struct{}, len(mainAdminIDs))
	for _, id := range mainAdminIDs {
		main[id] = struct{}{}
	}
	return &Authorizer{main: main, store: st}
}

// IsMainAdmin consults only static configuration.
func (a *Authorizer) IsMainAdmin(userID int64) bool {
	_, ok := a.main[userID]
	return ok
}

// IsAdmin reports whether the identity may run operational commands:
// main admins always, store-registered admins otherwise.
func (a *Authorizer) IsAdmin(ctx context.Context, ref store.AdminRef) (bool, error) {
	if a.IsMainAdmin(ref.UserID) {
		return true, nil
	}
	return a.store.IsStoredAdmin(ctx, ref)
}
