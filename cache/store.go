// ABOUTME: Storage tier contract and the cache entry format shared by all tiers
// ABOUTME: Entries hold raw records so every read re-validates them
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/schema"
)

// ErrMiss is returned by a tier that holds nothing for a scope.
var ErrMiss = errors.New("cache miss")

// Entry is every deal record of one scope plus the time it was written.
type Entry struct {
	Records   []json.RawMessage `json:"records"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is one persistence tier.
type Store interface {
	Load(ctx context.Context, scope string) (*Entry, error)
	Save(ctx context.Context, scope string, entry *Entry) error
	Delete(ctx context.Context, scope string) error
	Close() error
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{UpdatedAt: e.UpdatedAt, Records: make([]json.RawMessage, len(e.Records))}
	for i, r := range e.Records {
		out.Records[i] = append(json.RawMessage(nil), r...)
	}
	return out
}

// newEntry encodes records with the given freshness stamp.
func newEntry(records []models.Deal, stamp time.Time) (*Entry, error) {
	entry := &Entry{UpdatedAt: stamp, Records: make([]json.RawMessage, 0, len(records))}
	for i := range records {
		data, err := json.Marshal(records[i])
		if err != nil {
			return nil, err
		}
		entry.Records = append(entry.Records, data)
	}
	return entry, nil
}

// decode normalizes every stored record, dropping the ones that fail.
func (e *Entry) decode() []models.Deal {
	out := make([]models.Deal, 0, len(e.Records))
	for _, r := range e.Records {
		var raw map[string]any
		if err := json.Unmarshal(r, &raw); err != nil {
			continue
		}
		if d := schema.Normalize(raw); d != nil {
			out = append(out, *d)
		}
	}
	return out
}
