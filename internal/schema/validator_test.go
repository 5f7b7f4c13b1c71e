package schema

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	tetherrors "teth/internal/errors"
)

func TestValidateToolID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"simple id", "nmap", true},
		{"underscore id", "cobalt_strike", true},
		{"hyphen id", "gh0st-rat", true},
		{"leading digit", "7zip", true},
		{"uppercase invalid", "Nmap", false},
		{"space invalid", "cobalt strike", false},
		{"leading underscore", "_nmap", false},
		{"empty string", "", false},
		{"dotted invalid", "tool.nmap", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateToolID(tt.id); got != tt.want {
				t.Errorf("ValidateToolID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestValidator_ValidateIngest(t *testing.T) {
	v := NewValidator()

	validRequest := func() *IngestRequest {
		return &IngestRequest{
			EventID: uuid.NewString(),
			Tool: ToolRef{
				ID:              "mimikatz",
				Name:            "Mimikatz",
				Entropy:         26,
				OperationalRisk: 0.75,
			},
			ChainContext: &ChainContext{ChainID: "chain-1", Position: 2, TotalTools: 4},
			Attribution:  &Attribution{APTGroup: "apt29", Confidence: 0.8},
		}
	}

	t.Run("valid request", func(t *testing.T) {
		if err := v.ValidateIngest(validRequest(), true); err != nil {
			t.Errorf("ValidateIngest() error = %v, want nil", err)
		}
	})

	t.Run("optional parts absent", func(t *testing.T) {
		req := validRequest()
		req.EventID = ""
		req.ChainContext = nil
		req.Attribution = nil
		if err := v.ValidateIngest(req, false); err != nil {
			t.Errorf("ValidateIngest() error = %v, want nil", err)
		}
	})

	tests := []struct {
		name         string
		mutate       func(*IngestRequest)
		requireChain bool
		field        string
	}{
		{"missing tool id", func(r *IngestRequest) { r.Tool.ID = "" }, false, "tool.id"},
		{"bad tool id format", func(r *IngestRequest) { r.Tool.ID = "Cobalt Strike" }, false, "tool.id"},
		{"negative entropy", func(r *IngestRequest) { r.Tool.Entropy = -1 }, false, "tool.entropy"},
		{"risk above one", func(r *IngestRequest) { r.Tool.OperationalRisk = 1.5 }, false, "tool.operational_risk"},
		{"bad event id", func(r *IngestRequest) { r.EventID = "not-a-uuid" }, false, "event_id"},
		{"negative position", func(r *IngestRequest) { r.ChainContext.Position = -1 }, false, "chain_context.position"},
		{"missing chain id", func(r *IngestRequest) { r.ChainContext.ChainID = "" }, false, "chain_context.chain_id"},
		{"attribution confidence range", func(r *IngestRequest) { r.Attribution.Confidence = 2 }, false, "attribution.confidence"},
		{"chain context required", func(r *IngestRequest) { r.ChainContext = nil }, true, "chain_context"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := v.ValidateIngest(req, tt.requireChain)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !tetherrors.IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err.Error(), tt.field)
			}
		})
	}
}

func TestValidator_Struct(t *testing.T) {
	v := NewValidator()

	type record struct {
		ID string `json:"id" validate:"required,tool_id"`
	}

	if err := v.Struct(&record{ID: "nmap"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.Struct(&record{ID: "NMAP"}); err == nil {
		t.Error("expected error for uppercase id")
	}
}
