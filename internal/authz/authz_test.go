package authz

import (
	"context"
	"errors"
	"testing"

	"agent_dispatch/internal/auth"
)

func TestRoleAuthorizer(t *testing.T) {
	a := NewRoleAuthorizer()
	ctx := context.Background()

	tests := []struct {
		role       string
		canEnqueue bool
		canManage  bool
		canRead    bool
	}{
		{"admin", true, true, true},
		{"operator", true, false, true},
		{"viewer", false, false, true},
		{"", false, false, false},
		{"root", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			p := auth.Principal{UID: 1, Username: "u", Role: tt.role}
			check := func(name string, err error, allowed bool) {
				if allowed && err != nil {
					t.Errorf("Expected %s allowed, got %v", name, err)
				}
				if !allowed && !errors.Is(err, ErrForbidden) {
					t.Errorf("Expected %s forbidden, got %v", name, err)
				}
			}
			check("enqueue", a.CanEnqueue(ctx, p, "abc"), tt.canEnqueue)
			check("manage", a.CanManageAgent(ctx, p, "abc"), tt.canManage)
			check("read", a.CanRead(ctx, p, "abc"), tt.canRead)
		})
	}
}
