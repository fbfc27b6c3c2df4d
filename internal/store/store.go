// Package store defines the persistence interface for the hub and provides
// SQLite and PostgreSQL implementations. The hub stores users, a command
// audit trail, and general audit events; live connection state never touches
// the database.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Command log
	RecordCommand(ctx context.Context, rec *CommandRecord) error
	ListCommands(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldCommands(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a hub operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// CommandRecord is one forwarding attempt in the command audit trail.
type CommandRecord struct {
	ID         string    `json:"id"` // the command envelope's commandId
	DeviceID   string    `json:"device_id"`
	ClientID   string    `json:"client_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"` // sent, validation_failed, device_not_found, failed
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
