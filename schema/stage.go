// ABOUTME: Pipeline stage token validation and the stage to implied-status table
// ABOUTME: Stages are user-configurable, so only their format is checked
package schema

import (
	"regexp"

	"github.com/harperreed/dealsync/models"
)

var stagePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// impliedStatus maps closing stage tokens to the status they force.
var impliedStatus = map[string]models.Status{
	"won":                models.StatusWon,
	"closed_won":         models.StatusWon,
	"won_stage":          models.StatusWon,
	"deal_won":           models.StatusWon,
	"lost":               models.StatusLost,
	"closed_lost":        models.StatusLost,
	"lost_stage":         models.StatusLost,
	"deal_lost":          models.StatusLost,
	"disqualified":       models.StatusDisqualified,
	"disqualified_stage": models.StatusDisqualified,
}

// ValidateStageFormat reports whether token is a lowercase snake_case stage.
func ValidateStageFormat(token string) bool {
	return stagePattern.MatchString(token)
}

// ImpliedStatus returns the status a stage forces, or "" when the stage is open.
func ImpliedStatus(stage string) models.Status {
	return impliedStatus[stage]
}
