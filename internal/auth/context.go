// Package auth carries the identity of the caller through a request context.
// Identity is asserted by the gateway in front of reminderd; this package does
// not authenticate anyone.
package auth

import "context"

type contextKey struct{}

// Identity is the owner a request acts for: a signed-in user or a guest device.
type Identity struct {
	UserID   string
	DeviceID string
	Admin    bool
}

// Owner returns the user ID, or the device ID for guests.
func (i Identity) Owner() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.DeviceID
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

func DeviceID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.DeviceID
}

func IsAdmin(ctx context.Context) bool {
	id, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return id.Admin
}
