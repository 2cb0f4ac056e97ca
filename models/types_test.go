// ABOUTME: Tests for deal and command models
// ABOUTME: Covers status validation, deep copies, and the loose wire form
package models

import (
	"testing"
	"time"
)

func TestStatusValid(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusActive, true},
		{StatusWon, true},
		{StatusLost, true},
		{StatusDisqualified, true},
		{"", false},
		{"pending", false},
		{"Won", false},
	}
	for _, tt := range tests {
		if got := tt.status.Valid(); got != tt.want {
			t.Errorf("Status(%q).Valid() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestDealClone(t *testing.T) {
	value, confidence := 100.0, 50.0
	d := Deal{ID: "d1", Stage: "lead", Value: &value, Confidence: &confidence}

	c := d.Clone()
	*c.Value = 999
	*c.Confidence = 1

	if *d.Value != 100 || *d.Confidence != 50 {
		t.Errorf("clone shares pointers with original: value=%v confidence=%v", *d.Value, *d.Confidence)
	}

	empty := Deal{ID: "d2"}.Clone()
	if empty.Value != nil || empty.Confidence != nil {
		t.Error("expected nil pointers to stay nil")
	}
}

func TestCloneDeals(t *testing.T) {
	if CloneDeals(nil) != nil {
		t.Error("expected nil for nil input")
	}

	value := 10.0
	deals := []Deal{{ID: "a", Value: &value}, {ID: "b"}}
	copied := CloneDeals(deals)
	*copied[0].Value = 20
	copied[1].Stage = "won"

	if *deals[0].Value != 10 || deals[1].Stage != "" {
		t.Error("CloneDeals must not alias the input")
	}
}

func TestIndexOf(t *testing.T) {
	deals := []Deal{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if got := IndexOf(deals, "b"); got != 1 {
		t.Errorf("IndexOf(b) = %d, want 1", got)
	}
	if got := IndexOf(deals, "z"); got != -1 {
		t.Errorf("IndexOf(z) = %d, want -1", got)
	}
}

func TestDealToMap(t *testing.T) {
	value := 250.0
	d := Deal{
		ID:             "d1",
		OrganizationID: "org-1",
		Stage:          "proposal",
		Status:         StatusActive,
		Value:          &value,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	m := d.ToMap()
	if m[FieldID] != "d1" || m[FieldOrganizationID] != "org-1" || m[FieldStage] != "proposal" {
		t.Errorf("unexpected identity fields: %v", m)
	}
	if m[FieldValue] != 250.0 {
		t.Errorf("value = %v, want 250", m[FieldValue])
	}
	if _, ok := m[FieldNotes]; ok {
		t.Error("empty notes should be omitted")
	}

	// A nil value is sent as an explicit null.
	d.Value = nil
	if v, ok := d.ToMap()[FieldValue]; !ok || v != nil {
		t.Errorf("value = %v (present %v), want explicit null", v, ok)
	}
}

func TestCommandExhausted(t *testing.T) {
	c := &Command{Attempts: 4, MaxAttempts: DefaultMaxAttempts}
	if c.Exhausted() {
		t.Error("4 of 5 attempts should not be exhausted")
	}
	c.Attempts = 5
	if !c.Exhausted() {
		t.Error("5 of 5 attempts should be exhausted")
	}
}
