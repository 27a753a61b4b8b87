package router

import (
	"fmt"

	"github.com/pixdesk/ledgersync/internal/connection"
)

// ShouldDeliver applies a context's delivery predicate to one event.
// Some event kinds are not room-scoped at the source, so the predicate runs
// even for events that arrived through a tenant room.
func ShouldDeliver(dc DeliveryContext, ev Event, sub Subscription) bool {
	switch dc.Kind {
	case ContextAll:
		return true
	case ContextFixed:
		if ev.TenantID == 0 || ev.TenantID != dc.TenantID {
			return false
		}
		return dc.AccountID == "" || ev.AccountID == dc.AccountID
	case ContextTenant:
		if ev.TenantID == 0 || ev.TenantID != sub.TenantID {
			return false
		}
		return sub.AccountID == "" || ev.AccountID == "" || ev.AccountID == sub.AccountID
	}
	return false
}

// Rooms returns the rooms a subscription needs joined.
func Rooms(dc DeliveryContext, sub Subscription) []string {
	rooms := []string{connection.PlatformRoom}
	switch dc.Kind {
	case ContextFixed:
		rooms = append(rooms, connection.TenantRoom(dc.TenantID))
	case ContextTenant:
		rooms = append(rooms, connection.TenantRoom(sub.TenantID))
	}
	return rooms
}

// validate checks a context definition.
func (dc DeliveryContext) validate() error {
	if dc.Name == "" {
		return fmt.Errorf("context name is required")
	}
	if _, err := ParseContextKind(string(dc.Kind)); err != nil {
		return fmt.Errorf("context %s: %w", dc.Name, err)
	}
	if dc.Kind == ContextFixed && dc.TenantID == 0 {
		return fmt.Errorf("context %s: tenant id is required", dc.Name)
	}
	return nil
}
