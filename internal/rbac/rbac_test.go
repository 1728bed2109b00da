package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer annotate", role: RoleViewer, action: ActionAnnotate, allow: false},
		{name: "annotator read", role: RoleAnnotator, action: ActionRead, allow: true},
		{name: "annotator annotate", role: RoleAnnotator, action: ActionAnnotate, allow: true},
		{name: "annotator manage", role: RoleAnnotator, action: ActionManage, allow: false},
		{name: "admin manage", role: RoleAdmin, action: ActionManage, allow: true},
		{name: "unknown role", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("admin") != RoleAdmin {
		t.Fatal("expected admin to survive normalization")
	}
	if Normalize("banana") != RoleViewer {
		t.Fatal("expected unknown roles to default to viewer")
	}
}
