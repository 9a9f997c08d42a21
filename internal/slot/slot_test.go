package slot

import (
	"testing"
	"time"
)

func TestValidStatus(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"available", StatusAvailable, true},
		{"in-use", StatusInUse, true},
		{"recycling", StatusRecycling, true},
		{"maintenance", StatusMaintenance, true},
		{"legacy active", Status("active"), false},
		{"empty", Status(""), false},
		{"unknown", Status("destroyed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidStatus(tt.status); got != tt.want {
				t.Errorf("ValidStatus(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid alphanumeric", "tenant1", false},
		{"valid with hyphen", "acme-prod", false},
		{"valid with dot", "acme.eu", false},
		{"empty", "", true},
		{"leading hyphen", "-tenant", true},
		{"contains slash", "a/b", true},
		{"contains space", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCheckInvariants(t *testing.T) {
	now := time.Now().UTC()
	owner := &Owner{TenantID: "t1", UserID: "u1"}

	tests := []struct {
		name    string
		slot    Slot
		wantErr bool
	}{
		{
			name: "available unowned",
			slot: Slot{ID: "s1", Type: TypePool, Status: StatusAvailable},
		},
		{
			name:    "available with owner rejected",
			slot:    Slot{ID: "s1", Type: TypePool, Status: StatusAvailable, Owner: owner},
			wantErr: true,
		},
		{
			name: "in-use owned",
			slot: Slot{ID: "s1", Type: TypePool, Status: StatusInUse, Owner: owner, BoundAt: now},
		},
		{
			name:    "in-use with no owner rejected",
			slot:    Slot{ID: "s1", Type: TypePool, Status: StatusInUse},
			wantErr: true,
		},
		{
			name:    "recycling with no owner rejected",
			slot:    Slot{ID: "s1", Type: TypePool, Status: StatusRecycling},
			wantErr: true,
		},
		{
			name: "dedicated never bound may be available",
			slot: Slot{ID: "d1", Type: TypeDedicated, Status: StatusAvailable},
		},
		{
			name:    "dedicated available after binding rejected",
			slot:    Slot{ID: "d1", Type: TypeDedicated, Status: StatusAvailable, BoundAt: now},
			wantErr: true,
		},
		{
			name:    "legacy status rejected",
			slot:    Slot{ID: "s1", Type: TypePool, Status: Status("active")},
			wantErr: true,
		},
		{
			name:    "unknown type rejected",
			slot:    Slot{ID: "s1", Type: Type("shared"), Status: StatusAvailable},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.slot.CheckInvariants()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckInvariants() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClone(t *testing.T) {
	orig := &Slot{
		ID:     "s1",
		Type:   TypePool,
		Status: StatusInUse,
		Owner:  &Owner{TenantID: "t1", UserID: "u1"},
	}

	c := orig.Clone()
	c.Owner.TenantID = "t2"
	c.Status = StatusAvailable

	if orig.Owner.TenantID != "t1" {
		t.Errorf("Clone shares owner: got %q", orig.Owner.TenantID)
	}
	if orig.Status != StatusInUse {
		t.Errorf("Clone shares status: got %q", orig.Status)
	}
}
