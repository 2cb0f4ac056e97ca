// ABOUTME: Deal record normalization applied at every boundary
// ABOUTME: Rejects malformed input, coerces numeric fields, and reconciles stage/status
package schema

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/harperreed/dealsync/models"
)

// Normalize converts a loosely-typed record into a Deal.
// It returns nil, never panicking, when the record cannot be trusted.
func Normalize(raw map[string]any) (deal *models.Deal) {
	if raw == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			deal = nil
		}
	}()

	id, ok := identifier(raw[models.FieldID])
	if !ok {
		return nil
	}
	orgID, ok := identifier(raw[models.FieldOrganizationID])
	if !ok {
		return nil
	}

	stage, _ := raw[models.FieldStage].(string)
	stage = strings.TrimSpace(stage)
	if !ValidateStageFormat(stage) {
		return nil
	}

	createdAt, ok := parseTime(raw[models.FieldCreatedAt])
	if !ok || createdAt.IsZero() {
		return nil
	}

	d := &models.Deal{
		ID:             id,
		OrganizationID: orgID,
		Stage:          stage,
		CreatedAt:      createdAt,
	}

	if updatedAt, ok := parseTime(raw[models.FieldUpdatedAt]); ok {
		d.UpdatedAt = updatedAt
	}

	value, ok := monetary(raw[models.FieldValue])
	if !ok {
		return nil
	}
	d.Value = value

	d.Confidence = confidence(raw[models.FieldConfidence])

	status := parseStatus(raw[models.FieldStatus])
	if implied := ImpliedStatus(stage); implied != "" {
		status = implied
	}
	if status == "" {
		return nil
	}
	d.Status = status

	d.ClientName = text(raw[models.FieldClientName])
	d.ContactEmail = text(raw[models.FieldContactEmail])
	d.ContactPhone = text(raw[models.FieldContactPhone])
	d.Notes = text(raw[models.FieldNotes])
	d.LostReason = text(raw[models.FieldLostReason])
	d.LostNotes = text(raw[models.FieldLostNotes])
	d.DisqualifiedReason = text(raw[models.FieldDisqualifiedReason])
	d.DisqualifiedNotes = text(raw[models.FieldDisqualifiedNotes])

	reconcileOutcome(d)
	return d
}

// Identity extracts the id and organization id from a partial record.
// Delete events often carry nothing else.
func Identity(raw map[string]any) (id, orgID string, ok bool) {
	if raw == nil {
		return "", "", false
	}
	id, ok = identifier(raw[models.FieldID])
	if !ok {
		return "", "", false
	}
	orgID, ok = identifier(raw[models.FieldOrganizationID])
	if !ok {
		return "", "", false
	}
	return id, orgID, true
}

// reconcileOutcome keeps the lost_* and disqualified_* groups exclusive.
func reconcileOutcome(d *models.Deal) {
	switch d.Status {
	case models.StatusLost:
		d.DisqualifiedReason = ""
		d.DisqualifiedNotes = ""
	case models.StatusDisqualified:
		d.LostReason = ""
		d.LostNotes = ""
	default:
		d.LostReason = ""
		d.LostNotes = ""
		d.DisqualifiedReason = ""
		d.DisqualifiedNotes = ""
	}
}

func identifier(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), t.String() != ""
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t != math.Trunc(t) {
			return "", false
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func parseStatus(v any) models.Status {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case models.Status:
		s = string(t)
	default:
		return ""
	}
	status := models.Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return ""
	}
	return status
}

// number reads a numeric field. fromText marks values that arrived as strings.
func number(v any) (f float64, present, fromText bool) {
	switch t := v.(type) {
	case nil:
		return 0, false, false
	case float64:
		return t, true, false
	case float32:
		return float64(t), true, false
	case int:
		return float64(t), true, false
	case int64:
		return float64(t), true, false
	case int32:
		return float64(t), true, false
	case *float64:
		if t == nil {
			return 0, false, false
		}
		return *t, true, false
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return math.NaN(), true, true
		}
		return f, true, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return math.NaN(), true, true
		}
		return f, true, true
	}
	return math.NaN(), true, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// monetary returns the normalized value. ok is false when the record must be rejected.
func monetary(v any) (value *float64, ok bool) {
	f, present, fromText := number(v)
	if !present {
		return nil, true
	}
	if !finite(f) {
		// Garbage text coerces to null; a non-finite number is malformed.
		return nil, fromText
	}
	if f < 0 {
		return nil, false
	}
	return &f, true
}

func confidence(v any) *float64 {
	f, present, _ := number(v)
	if !present || !finite(f) {
		return nil
	}
	f = math.Max(0, math.Min(100, f))
	return &f
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, true
		}
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return parseTime(*t)
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				if parsed.IsZero() {
					return time.Time{}, true
				}
				return parsed.UTC(), true
			}
		}
	case float64, int64, int, json.Number:
		f, _, _ := number(t)
		if !finite(f) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Time{}, false
}
