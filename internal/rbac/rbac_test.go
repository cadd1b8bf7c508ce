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
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "viewer publish", role: RoleViewer, action: ActionPublish, allow: false},
		{name: "editor edit", role: RoleEditor, action: ActionEdit, allow: true},
		{name: "editor publish", role: RoleEditor, action: ActionPublish, allow: true},
		{name: "editor admin", role: RoleEditor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if got := Normalize("commenter"); got != RoleViewer {
		t.Fatalf("Normalize(commenter) = %q, want viewer", got)
	}
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
}
