// ABOUTME: Interfaces for the authoritative deal store and its real-time event feed
// ABOUTME: The engine, reconciler, and multiplexer depend only on these
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harperreed/dealsync/models"
)

// Result codes returned by the server on failed writes.
const (
	CodeConflict     = "CONFLICT"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeValidation   = "VALIDATION"
	CodeRateLimited  = "RATE_LIMITED"
	CodeServerError  = "SERVER_ERROR"
)

// Result is the server's answer to a write. A CONFLICT result carries the
// server's current record.
type Result struct {
	Success bool
	Record  json.RawMessage
	Code    string
	Message string
	Status  int
}

// Writer transmits mutations. A non-nil error means the request never got an
// answer (network failure, timeout); server rejections come back in Result.
type Writer interface {
	Create(ctx context.Context, scope string, payload map[string]any) (Result, error)
	Update(ctx context.Context, scope, id string, changes map[string]any, base *time.Time) (Result, error)
	Delete(ctx context.Context, scope, id string) (Result, error)
}

// Reader fetches the full record set of a scope.
type Reader interface {
	List(ctx context.Context, scope string) ([]json.RawMessage, error)
}

// Event is one change pushed by the server.
type Event struct {
	Type   models.EventType `json:"type"`
	Record json.RawMessage  `json:"record"`
}

// Handler receives events in delivery order from a single goroutine.
type Handler func(Event)

// Subscription is a live upstream feed.
type Subscription interface {
	Close() error
	// Done yields the error that ended the feed, then closes.
	Done() <-chan error
}

// Stream opens real-time subscriptions.
type Stream interface {
	Subscribe(ctx context.Context, scope string, handler Handler) (Subscription, error)
}
