// ABOUTME: Data models for the deal synchronization engine
// ABOUTME: Defines Deal, Command, and the status/stage constants they share
package models

import (
	"encoding/json"
	"time"
)

// Status is the outcome state of a deal.
type Status string

const (
	StatusActive       Status = "active"
	StatusWon          Status = "won"
	StatusLost         Status = "lost"
	StatusDisqualified Status = "disqualified"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWon, StatusLost, StatusDisqualified:
		return true
	}
	return false
}

// Deal is the unit of synchronization. Records are partitioned by OrganizationID.
type Deal struct {
	ID                 string    `json:"id"`
	OrganizationID     string    `json:"organization_id"`
	Stage              string    `json:"stage"`
	Status             Status    `json:"status"`
	Value              *float64  `json:"value"`
	Confidence         *float64  `json:"confidence,omitempty"`
	ClientName         string    `json:"client_name,omitempty"`
	ContactEmail       string    `json:"contact_email,omitempty"`
	ContactPhone       string    `json:"contact_phone,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	LostReason         string    `json:"lost_reason,omitempty"`
	LostNotes          string    `json:"lost_notes,omitempty"`
	DisqualifiedReason string    `json:"disqualified_reason,omitempty"`
	DisqualifiedNotes  string    `json:"disqualified_notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
}

// Deal field keys as they appear on the wire and in change sets.
const (
	FieldID                 = "id"
	FieldOrganizationID     = "organization_id"
	FieldStage              = "stage"
	FieldStatus             = "status"
	FieldValue              = "value"
	FieldConfidence         = "confidence"
	FieldClientName         = "client_name"
	FieldContactEmail       = "contact_email"
	FieldContactPhone       = "contact_phone"
	FieldNotes              = "notes"
	FieldLostReason         = "lost_reason"
	FieldLostNotes          = "lost_notes"
	FieldDisqualifiedReason = "disqualified_reason"
	FieldDisqualifiedNotes  = "disqualified_notes"
	FieldCreatedAt          = "created_at"
	FieldUpdatedAt          = "updated_at"
)

// Clone returns a deep copy of the deal.
func (d Deal) Clone() Deal {
	c := d
	if d.Value != nil {
		v := *d.Value
		c.Value = &v
	}
	if d.Confidence != nil {
		v := *d.Confidence
		c.Confidence = &v
	}
	return c
}

// ToMap converts the deal into its loosely-typed wire form.
func (d Deal) ToMap() map[string]any {
	data, err := json.Marshal(d)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// CloneDeals deep-copies a slice of deals.
func CloneDeals(deals []Deal) []Deal {
	if deals == nil {
		return nil
	}
	out := make([]Deal, len(deals))
	for i := range deals {
		out[i] = deals[i].Clone()
	}
	return out
}

// IndexOf returns the position of the deal with the given id, or -1.
func IndexOf(deals []Deal, id string) int {
	for i := range deals {
		if deals[i].ID == id {
			return i
		}
	}
	return -1
}

// CommandType is the kind of mutation an offline command carries.
type CommandType string

const (
	CommandCreate CommandType = "create"
	CommandUpdate CommandType = "update"
	CommandDelete CommandType = "delete"
)

// CommandStatus is the lifecycle state of an offline command.
type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandSyncing  CommandStatus = "syncing"
	CommandSynced   CommandStatus = "synced"
	CommandFailed   CommandStatus = "failed"
	CommandConflict CommandStatus = "conflict"
)

// DefaultMaxAttempts is used when a command is enqueued without a limit.
const DefaultMaxAttempts = 5

// Command is a durably queued mutation awaiting transmission.
type Command struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Scope         string         `json:"scope"`
	Type          CommandType    `json:"type"`
	RecordID      string         `json:"record_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	BaseUpdatedAt *time.Time     `json:"base_updated_at,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	Status        CommandStatus  `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Exhausted reports whether the command has used all of its attempts.
func (c *Command) Exhausted() bool {
	return c.Attempts >= c.MaxAttempts
}

// EventType is the kind of change a real-time event describes.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)
