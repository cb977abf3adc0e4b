// Package store defines the persistence contract consumed by the rest
// of the system (spec.md §6: users, chat rows, task rows,
// attribution records, identity/grant records, auto-connect remotes,
// and an append-only hash-chained event log) and a SQLite-backed
// implementation of it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// User is a registered local account.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// ChatRow is one persisted chat message.
type ChatRow struct {
	ID             string
	Scope          string
	Topic          string
	SenderID       string
	Content        string
	ForwardedFrom  string
	CreatedAt      time.Time
}

// TaskRow is one persisted task record (referenced by Input's task_id).
type TaskRow struct {
	ID         string
	InstanceID string
	Title      string
	Status     string
	CreatedAt  time.Time
}

// AttributionRecord backs tier-2 attribution lookups: which user typed
// a given prefix of content into which instance, around which time.
type AttributionRecord struct {
	InstanceID    string
	UserID        string
	DisplayName   string
	ContentPrefix string
	Timestamp     time.Time
	TaskID        string
	EntryUUID     string // filled in once the matching turn is known
}

// IdentityGrant is a federation-side "member grant" or local identity
// mapping: which public key maps to which account, with what rights.
type IdentityGrant struct {
	PublicKeyB32 string
	AccountKey   string
	DisplayName  string
	AccessRights []string
	Active       bool
}

// RemoteRecord is one federation remote configured for auto-connect.
type RemoteRecord struct {
	Name        string
	Address     string
	AutoConnect bool
}

// EventRecord is one append-only, hash-chained audit log entry.
type EventRecord struct {
	Seq       int64
	Kind      string
	Payload   string // JSON
	PrevHash  string
	Hash      string
	CreatedAt time.Time
}

// Store is the full persistence contract. Every method takes a context
// so callers can bound how long a slow disk blocks them.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)

	AppendChat(ctx context.Context, row ChatRow) error
	ChatHistory(ctx context.Context, scope, topic, beforeID string, limit int) ([]ChatRow, error)
	GetChat(ctx context.Context, id string) (ChatRow, error)
	ChatTopics(ctx context.Context, scope string) ([]string, error)

	UpsertTask(ctx context.Context, t TaskRow) error
	GetTask(ctx context.Context, id string) (TaskRow, error)

	RecordAttribution(ctx context.Context, rec AttributionRecord) error
	FindAttribution(ctx context.Context, instanceID, contentPrefix string, near time.Time, window time.Duration) (AttributionRecord, error)
	LinkAttributionEntry(ctx context.Context, instanceID, contentPrefix string, near time.Time, entryUUID string) error

	UpsertIdentityGrant(ctx context.Context, g IdentityGrant) error
	FindIdentityGrant(ctx context.Context, publicKeyB32 string) (IdentityGrant, error)

	UpsertRemote(ctx context.Context, r RemoteRecord) error
	AutoConnectRemotes(ctx context.Context) ([]RemoteRecord, error)

	AppendEvent(ctx context.Context, kind, payload string) (EventRecord, error)
	QueryEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error)

	Close() error
}
