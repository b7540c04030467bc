package rbac

import "testing"

func TestCan(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleViewer, ActionRead, true},
		{RoleViewer, ActionExport, true},
		{RoleViewer, ActionAnnotate, false},
		{RoleAnnotator, ActionAnnotate, true},
		{RoleAnnotator, ActionWrite, false},
		{RoleEditor, ActionWrite, true},
		{RoleEditor, ActionAdmin, false},
		{RoleAdmin, ActionAdmin, true},
		{Role("ghost"), ActionRead, false},
	}
	for _, tt := range tests {
		if got := Can(tt.role, tt.action); got != tt.want {
			t.Fatalf("Can(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.want)
		}
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if Normalize("superuser") != RoleViewer {
		t.Fatal("expected unknown role to normalize to viewer")
	}
	if Normalize("editor") != RoleEditor {
		t.Fatal("expected editor to be preserved")
	}
}

func TestCapNeverRaisesRole(t *testing.T) {
	tests := []struct {
		requested Role
		granted   Role
		want      Role
	}{
		{RoleAnnotator, RoleEditor, RoleAnnotator},
		{RoleViewer, RoleAdmin, RoleViewer},
		{RoleAdmin, RoleEditor, RoleEditor},
		{RoleEditor, RoleViewer, RoleViewer},
		{Role(""), RoleEditor, RoleEditor},
		{Role("root"), RoleViewer, RoleViewer},
	}
	for _, tt := range tests {
		if got := Cap(tt.requested, tt.granted); got != tt.want {
			t.Fatalf("Cap(%q, %q) = %q, want %q", tt.requested, tt.granted, got, tt.want)
		}
	}
}
