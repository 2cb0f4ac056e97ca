// ABOUTME: Deal MCP tool handlers
// ABOUTME: Implements list_deals, update_deal, move_deal, create_deal, and delete_deal on the sync engine
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/schema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type DealHandlers struct {
	engine *engine.Engine
}

func NewDealHandlers(e *engine.Engine) *DealHandlers {
	return &DealHandlers{engine: e}
}

type DealOutput struct {
	ID                 string   `json:"id"`
	OrganizationID     string   `json:"organization_id"`
	Stage              string   `json:"stage"`
	Status             string   `json:"status"`
	Value              *float64 `json:"value,omitempty"`
	Confidence         *float64 `json:"confidence,omitempty"`
	ClientName         string   `json:"client_name,omitempty"`
	ContactEmail       string   `json:"contact_email,omitempty"`
	ContactPhone       string   `json:"contact_phone,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	LostReason         string   `json:"lost_reason,omitempty"`
	LostNotes          string   `json:"lost_notes,omitempty"`
	DisqualifiedReason string   `json:"disqualified_reason,omitempty"`
	DisqualifiedNotes  string   `json:"disqualified_notes,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at,omitempty"`
	// Queued is set when the change was saved locally and will sync later.
	Queued bool `json:"queued,omitempty"`
}

func dealToOutput(d *models.Deal) DealOutput {
	out := DealOutput{
		ID:                 d.ID,
		OrganizationID:     d.OrganizationID,
		Stage:              d.Stage,
		Status:             string(d.Status),
		Value:              d.Value,
		Confidence:         d.Confidence,
		ClientName:         d.ClientName,
		ContactEmail:       d.ContactEmail,
		ContactPhone:       d.ContactPhone,
		Notes:              d.Notes,
		LostReason:         d.LostReason,
		LostNotes:          d.LostNotes,
		DisqualifiedReason: d.DisqualifiedReason,
		DisqualifiedNotes:  d.DisqualifiedNotes,
		CreatedAt:          d.CreatedAt.Format(time.RFC3339),
	}
	if !d.UpdatedAt.IsZero() {
		out.UpdatedAt = d.UpdatedAt.Format(time.RFC3339Nano)
	}
	return out
}

// toolError turns an engine error into the text an assistant should relay.
func toolError(op string, err error) error {
	var merr *engine.MutationError
	switch {
	case errors.As(err, &merr):
		return fmt.Errorf("%s (%w)", merr.Message(), err)
	case errors.Is(err, engine.ErrOperationInProgress), errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrNoScope):
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

type ListDealsInput struct {
	Stage   string `json:"stage,omitempty" jsonschema:"Only return deals in this stage"`
	Status  string `json:"status,omitempty" jsonschema:"Only return deals with this status: active, won, lost, disqualified"`
	Refresh bool   `json:"refresh,omitempty" jsonschema:"Fetch from the server instead of using the local cache"`
}

type ListDealsOutput struct {
	Organization string       `json:"organization"`
	Count        int          `json:"count"`
	Deals        []DealOutput `json:"deals"`
}

func (h *DealHandlers) ListDeals(ctx context.Context, _ *mcp.CallToolRequest, input ListDealsInput) (*mcp.CallToolResult, ListDealsOutput, error) {
	if input.Status != "" && !models.Status(input.Status).Valid() {
		return nil, ListDealsOutput{}, fmt.Errorf("invalid status: %s (valid: active, won, lost, disqualified)", input.Status)
	}

	var (
		deals []models.Deal
		err   error
	)
	if input.Refresh {
		deals, err = h.engine.Refresh(ctx, h.engine.Scope())
	} else {
		deals, err = h.engine.Load(ctx)
	}
	if err != nil {
		return nil, ListDealsOutput{}, toolError("list deals", err)
	}

	out := ListDealsOutput{Organization: h.engine.Scope(), Deals: []DealOutput{}}
	for i := range deals {
		d := &deals[i]
		if input.Stage != "" && d.Stage != input.Stage {
			continue
		}
		if input.Status != "" && string(d.Status) != input.Status {
			continue
		}
		out.Deals = append(out.Deals, dealToOutput(d))
	}
	out.Count = len(out.Deals)
	return nil, out, nil
}

type UpdateDealInput struct {
	ID      string         `json:"id" jsonschema:"Deal ID (required)"`
	Changes map[string]any `json:"changes" jsonschema:"Fields to change, for example {\"value\": 5000, \"notes\": \"...\"}"`
}

func (h *DealHandlers) UpdateDeal(ctx context.Context, _ *mcp.CallToolRequest, input UpdateDealInput) (*mcp.CallToolResult, DealOutput, error) {
	if strings.TrimSpace(input.ID) == "" {
		return nil, DealOutput{}, fmt.Errorf("id is required")
	}
	if len(input.Changes) == 0 {
		return nil, DealOutput{}, fmt.Errorf("changes must name at least one field")
	}

	deal, err := h.engine.Apply(ctx, input.ID, input.Changes)
	if err != nil {
		return nil, DealOutput{}, toolError("update deal", err)
	}
	out := dealToOutput(deal)
	out.Queued = !h.engine.Online()
	return nil, out, nil
}

type MoveDealInput struct {
	ID         string `json:"id" jsonschema:"Deal ID (required)"`
	Stage      string `json:"stage" jsonschema:"Target pipeline stage, lowercase snake_case (required)"`
	LostReason string `json:"lost_reason,omitempty" jsonschema:"Reason, when moving to a lost stage"`
}

// MoveDeal is the pipeline-board gesture: it refuses to queue behind a change still in flight.
func (h *DealHandlers) MoveDeal(ctx context.Context, _ *mcp.CallToolRequest, input MoveDealInput) (*mcp.CallToolResult, DealOutput, error) {
	if strings.TrimSpace(input.ID) == "" {
		return nil, DealOutput{}, fmt.Errorf("id is required")
	}
	if !schema.ValidateStageFormat(input.Stage) {
		return nil, DealOutput{}, fmt.Errorf("invalid stage: %q (use lowercase snake_case)", input.Stage)
	}

	changes := map[string]any{models.FieldStage: input.Stage}
	if input.LostReason != "" {
		changes[models.FieldLostReason] = input.LostReason
	}
	deal, err := h.engine.TryApply(ctx, input.ID, changes)
	if err != nil {
		return nil, DealOutput{}, toolError("move deal", err)
	}
	out := dealToOutput(deal)
	out.Queued = !h.engine.Online()
	return nil, out, nil
}

type CreateDealInput struct {
	Stage        string   `json:"stage" jsonschema:"Pipeline stage, lowercase snake_case (required)"`
	ClientName   string   `json:"client_name,omitempty" jsonschema:"Client or company name"`
	Value        *float64 `json:"value,omitempty" jsonschema:"Deal value, zero or more"`
	Confidence   *float64 `json:"confidence,omitempty" jsonschema:"Win confidence from 0 to 100"`
	ContactEmail string   `json:"contact_email,omitempty" jsonschema:"Contact email"`
	ContactPhone string   `json:"contact_phone,omitempty" jsonschema:"Contact phone"`
	Notes        string   `json:"notes,omitempty" jsonschema:"Free-form notes"`
}

func (h *DealHandlers) CreateDeal(ctx context.Context, _ *mcp.CallToolRequest, input CreateDealInput) (*mcp.CallToolResult, DealOutput, error) {
	if !schema.ValidateStageFormat(input.Stage) {
		return nil, DealOutput{}, fmt.Errorf("invalid stage: %q (use lowercase snake_case)", input.Stage)
	}

	payload := map[string]any{models.FieldStage: input.Stage}
	if input.Value != nil {
		payload[models.FieldValue] = *input.Value
	}
	if input.Confidence != nil {
		payload[models.FieldConfidence] = *input.Confidence
	}
	for key, value := range map[string]string{
		models.FieldClientName:   input.ClientName,
		models.FieldContactEmail: input.ContactEmail,
		models.FieldContactPhone: input.ContactPhone,
		models.FieldNotes:        input.Notes,
	} {
		if value != "" {
			payload[key] = value
		}
	}

	deal, err := h.engine.Create(ctx, payload)
	if err != nil {
		return nil, DealOutput{}, toolError("create deal", err)
	}
	out := dealToOutput(deal)
	out.Queued = !h.engine.Online()
	return nil, out, nil
}

type DeleteDealInput struct {
	ID string `json:"id" jsonschema:"Deal ID (required)"`
}

type DeleteDealOutput struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Queued  bool   `json:"queued,omitempty"`
}

func (h *DealHandlers) DeleteDeal(ctx context.Context, _ *mcp.CallToolRequest, input DeleteDealInput) (*mcp.CallToolResult, DeleteDealOutput, error) {
	if strings.TrimSpace(input.ID) == "" {
		return nil, DeleteDealOutput{}, fmt.Errorf("id is required")
	}
	if err := h.engine.Delete(ctx, input.ID); err != nil {
		return nil, DeleteDealOutput{}, toolError("delete deal", err)
	}
	return nil, DeleteDealOutput{ID: input.ID, Deleted: true, Queued: !h.engine.Online()}, nil
}
