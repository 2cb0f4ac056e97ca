// ABOUTME: Applies a change set to a deal record
// ABOUTME: Keeps outcome reasons exclusive and resets status when a deal leaves a closing stage
package schema

import (
	"github.com/harperreed/dealsync/models"
)

var (
	lostFields         = []string{models.FieldLostReason, models.FieldLostNotes}
	disqualifiedFields = []string{models.FieldDisqualifiedReason, models.FieldDisqualifiedNotes}

	// Fields a change set may never rewrite.
	immutableFields = map[string]bool{
		models.FieldID:             true,
		models.FieldOrganizationID: true,
		models.FieldCreatedAt:      true,
	}
)

// Merge applies changes to base and returns the normalized result.
// Returns nil when the merged record is not valid.
func Merge(base models.Deal, changes map[string]any) *models.Deal {
	merged := base.ToMap()
	for key, value := range changes {
		if immutableFields[key] {
			continue
		}
		merged[key] = value
	}

	if touchesAny(changes, lostFields) {
		deleteAll(merged, disqualifiedFields)
	}
	if touchesAny(changes, disqualifiedFields) {
		deleteAll(merged, lostFields)
	}

	if stage, ok := changes[models.FieldStage].(string); ok && stage != base.Stage {
		if _, statusGiven := changes[models.FieldStatus]; !statusGiven {
			switch {
			case ImpliedStatus(stage) != "":
				merged[models.FieldStatus] = string(ImpliedStatus(stage))
			case ImpliedStatus(base.Stage) != "":
				// Leaving a closing stage reopens the deal.
				merged[models.FieldStatus] = string(models.StatusActive)
			}
		}
	}

	return Normalize(merged)
}

func touchesAny(changes map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := changes[k]; ok {
			return true
		}
	}
	return false
}

func deleteAll(m map[string]any, keys []string) {
	for _, k := range keys {
		delete(m, k)
	}
}
