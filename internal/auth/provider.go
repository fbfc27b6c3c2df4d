package auth

import (
	"context"
	"time"

	"github.com/fleetlink/fleetlink/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // internal user ID (builtin) or external provider user ID
	Username string
	Role     string // "admin" or "user"
}

// Provider validates controller bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}

// DeviceAuthProvider handles device token validation and generation.
type DeviceAuthProvider interface {
	// ValidateDeviceToken verifies a device token, static or time-limited,
	// and returns the device ID it authenticates.
	ValidateDeviceToken(deviceID, token string) (string, error)
	GenerateDeviceToken(deviceID string) string
	DeviceTokenSecret() string
	DeviceTokenLifetime() time.Duration
}
